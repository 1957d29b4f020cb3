package model

// SizeCategory is a position on the ordered business-size scale.
type SizeCategory string

// Size scale, smallest first.
const (
	SizeSoloHandyman    SizeCategory = "solo_handyman"
	SizeOwnerOperator   SizeCategory = "owner_operator"
	SizeSmallBusiness   SizeCategory = "small_business"
	SizeRegionalCompany SizeCategory = "regional_company"
	SizeEnterprise      SizeCategory = "enterprise"
)

// SizeScale lists the size categories in order.
var SizeScale = []SizeCategory{
	SizeSoloHandyman,
	SizeOwnerOperator,
	SizeSmallBusiness,
	SizeRegionalCompany,
	SizeEnterprise,
}

// Rank returns the zero-based position of s on the scale, or -1.
func (s SizeCategory) Rank() int {
	for i, c := range SizeScale {
		if c == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is on the scale.
func (s SizeCategory) Valid() bool { return s.Rank() >= 0 }

// SizeScaleNames returns the scale as plain strings.
func SizeScaleNames() []string {
	out := make([]string, len(SizeScale))
	for i, s := range SizeScale {
		out[i] = string(s)
	}
	return out
}
