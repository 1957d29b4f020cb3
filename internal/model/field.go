package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ValueType is the declared type of an extractable field.
type ValueType string

// Supported value types.
const (
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeEnum   ValueType = "enum"
	TypeDate   ValueType = "date"
	TypeMoney  ValueType = "money"
	TypeGeoZip ValueType = "geo-zip"
)

// AllCategories marks a field that applies to every project category.
const AllCategories = "all"

// FieldSpec describes one extractable field of a requirement record.
type FieldSpec struct {
	Name       string    `json:"name" yaml:"name"`
	Type       ValueType `json:"value_type" yaml:"value_type"`
	Required   bool      `json:"required" yaml:"required"`
	Weight     float64   `json:"weight" yaml:"weight"`
	Categories []string  `json:"applicable_categories" yaml:"applicable_categories"`

	// Validator constraints. Zero values mean "unconstrained".
	EnumValues []string `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	Min        *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max        *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength  int      `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength  int      `json:"max_length,omitempty" yaml:"max_length,omitempty"`

	categorySet map[string]bool
	enumSet     map[string]bool
}

// AppliesTo reports whether the field is applicable to category. An empty
// category (not yet classified) is treated as applicable so that early
// extraction events are not lost.
func (f *FieldSpec) AppliesTo(category string) bool {
	if category == "" || len(f.categorySet) == 0 || f.categorySet[AllCategories] {
		return true
	}
	return f.categorySet[category]
}

// Validate runs the field's validator against a raw value.
func (f *FieldSpec) Validate(raw any) (any, *Rejection) {
	return validate(f, raw)
}

// SchemaError reports a reference to a field or category the registry does not
// know. It is a programmer error, not a user-recoverable condition.
type SchemaError struct {
	Field    string
	Category string
}

func (e *SchemaError) Error() string {
	if e.Category != "" {
		return "schema: unknown category " + e.Category
	}
	return "schema: unknown field " + e.Field
}

// FieldRegistry is an indexed, read-only collection of field specs.
type FieldRegistry struct {
	Fields     []FieldSpec
	byName     map[string]*FieldSpec
	categories []string
	catSet     map[string]bool
}

// NewFieldRegistry indexes fields and derives the category list from the
// enum values of the "category" field plus every category a field names.
func NewFieldRegistry(fields []FieldSpec) (*FieldRegistry, error) {
	r := &FieldRegistry{
		Fields: fields,
		byName: make(map[string]*FieldSpec, len(fields)),
		catSet: make(map[string]bool),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Name == "" {
			return nil, eris.Errorf("registry: field %d has no name", i)
		}
		if _, dup := r.byName[f.Name]; dup {
			return nil, eris.Errorf("registry: duplicate field %s", f.Name)
		}
		if f.Type == TypeEnum && len(f.EnumValues) == 0 {
			return nil, eris.Errorf("registry: enum field %s has no values", f.Name)
		}
		if f.Weight < 0 {
			return nil, eris.Errorf("registry: field %s has negative weight", f.Name)
		}
		f.categorySet = make(map[string]bool, len(f.Categories))
		for _, c := range f.Categories {
			f.categorySet[c] = true
			if c != AllCategories {
				r.catSet[c] = true
			}
		}
		f.enumSet = make(map[string]bool, len(f.EnumValues))
		for _, v := range f.EnumValues {
			f.enumSet[normalizeToken(v)] = true
		}
		r.byName[f.Name] = f
	}
	if cf, ok := r.byName[FieldCategory]; ok {
		for _, v := range cf.EnumValues {
			r.catSet[normalizeToken(v)] = true
		}
	}
	for c := range r.catSet {
		r.categories = append(r.categories, c)
	}
	sort.Strings(r.categories)
	return r, nil
}

// Spec returns the spec for name, or a SchemaError when the name is unknown.
func (r *FieldRegistry) Spec(name string) (*FieldSpec, error) {
	f, ok := r.byName[name]
	if !ok {
		return nil, &SchemaError{Field: name}
	}
	return f, nil
}

// Lookup returns the spec for (name, category). The boolean is false when the
// field exists but is not applicable to category.
func (r *FieldRegistry) Lookup(name, category string) (*FieldSpec, bool, error) {
	f, err := r.Spec(name)
	if err != nil {
		return nil, false, err
	}
	if category != "" && !r.catSet[category] {
		return nil, false, &SchemaError{Category: category}
	}
	return f, f.AppliesTo(category), nil
}

// MustLookup is Lookup for call sites where an unknown name is a bug.
func (r *FieldRegistry) MustLookup(name, category string) (*FieldSpec, bool) {
	f, ok, err := r.Lookup(name, category)
	if err != nil {
		panic(err)
	}
	return f, ok
}

// Categories returns every known project category, sorted.
func (r *FieldRegistry) Categories() []string {
	return r.categories
}

// HasCategory reports whether c is a known project category.
func (r *FieldRegistry) HasCategory(c string) bool {
	return r.catSet[c]
}

// Required returns the required fields applicable to category. An empty
// category yields the union over all categories.
func (r *FieldRegistry) Required(category string) []*FieldSpec {
	var out []*FieldSpec
	for i := range r.Fields {
		f := &r.Fields[i]
		if f.Required && f.AppliesTo(category) {
			out = append(out, f)
		}
	}
	return out
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}
