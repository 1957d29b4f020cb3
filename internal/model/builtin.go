package model

// Well-known field names referenced by the assembly engine and discovery.
const (
	FieldCategory       = "category"
	FieldZipCode        = "zip_code"
	FieldDescription    = "description"
	FieldTimeline       = "timeline"
	FieldPropertyType   = "property_type"
	FieldSizePreference = "size_preference"
	FieldBudget         = "budget"
	FieldStartDate      = "start_date"
	FieldSquareFootage  = "square_footage"
	FieldRoofType       = "roof_type"
	FieldSystemType     = "system_type"
	FieldFixtureType    = "fixture_type"
)

// Project categories.
const (
	CategoryLandscaping = "landscaping"
	CategoryPlumbing    = "plumbing"
	CategoryElectrical  = "electrical"
	CategoryRoofing     = "roofing"
	CategoryHVAC        = "hvac"
	CategoryCleaning    = "cleaning"
	CategoryPainting    = "painting"
	CategoryRemodeling  = "remodeling"
)

func ptr(f float64) *float64 { return &f }

// DefaultFieldSpecs is the built-in schema. Deployments may replace it with a
// YAML registry file.
func DefaultFieldSpecs() []FieldSpec {
	all := []string{AllCategories}
	return []FieldSpec{
		{
			Name: FieldCategory, Type: TypeEnum, Required: true, Weight: 3, Categories: all,
			EnumValues: []string{
				CategoryLandscaping, CategoryPlumbing, CategoryElectrical, CategoryRoofing,
				CategoryHVAC, CategoryCleaning, CategoryPainting, CategoryRemodeling,
			},
		},
		{Name: FieldZipCode, Type: TypeGeoZip, Required: true, Weight: 3, Categories: all},
		{Name: FieldDescription, Type: TypeString, Required: true, Weight: 3, Categories: all, MinLength: 10, MaxLength: 2000},
		{
			Name: FieldTimeline, Type: TypeEnum, Required: true, Weight: 2, Categories: all,
			EnumValues: []string{"emergency", "asap", "within_week", "within_month", "flexible"},
		},
		{
			Name: FieldPropertyType, Type: TypeEnum, Required: true, Weight: 1, Categories: all,
			EnumValues: []string{"residential", "commercial", "multi_family"},
		},
		{
			Name: FieldSizePreference, Type: TypeEnum, Weight: 1, Categories: all,
			EnumValues: SizeScaleNames(),
		},
		{Name: FieldBudget, Type: TypeMoney, Weight: 1, Categories: all, Min: ptr(0), Max: ptr(10_000_000)},
		{Name: FieldStartDate, Type: TypeDate, Weight: 0.5, Categories: all},
		{
			Name: FieldSquareFootage, Type: TypeNumber, Weight: 1, Min: ptr(1), Max: ptr(1_000_000),
			Categories: []string{CategoryLandscaping, CategoryCleaning, CategoryPainting, CategoryRemodeling},
		},
		{
			Name: FieldRoofType, Type: TypeEnum, Required: true, Weight: 2, Categories: []string{CategoryRoofing},
			EnumValues: []string{"shingle", "tile", "metal", "flat"},
		},
		{
			Name: FieldSystemType, Type: TypeEnum, Required: true, Weight: 2, Categories: []string{CategoryHVAC},
			EnumValues: []string{"central_air", "heat_pump", "furnace", "mini_split", "boiler"},
		},
		{
			Name: FieldFixtureType, Type: TypeEnum, Weight: 1, Categories: []string{CategoryPlumbing},
			EnumValues: []string{"toilet", "sink", "shower", "water_heater", "pipes", "sewer"},
		},
	}
}

// DefaultRegistry builds the registry from DefaultFieldSpecs. The built-in
// schema is static, so a failure here is a programming error.
func DefaultRegistry() *FieldRegistry {
	r, err := NewFieldRegistry(DefaultFieldSpecs())
	if err != nil {
		panic(err)
	}
	return r
}
