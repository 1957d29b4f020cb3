package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFieldRegistry(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()

	t.Run("Spec returns known field", func(t *testing.T) {
		t.Parallel()
		f, err := reg.Spec(FieldZipCode)
		require.NoError(t, err)
		assert.Equal(t, TypeGeoZip, f.Type)
	})

	t.Run("Spec rejects unknown field with SchemaError", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Spec("favorite_color")
		var se *SchemaError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "favorite_color", se.Field)
	})

	t.Run("categories come from the category enum", func(t *testing.T) {
		t.Parallel()
		assert.Contains(t, reg.Categories(), CategoryLandscaping)
		assert.Contains(t, reg.Categories(), CategoryHVAC)
		assert.True(t, reg.HasCategory(CategoryRoofing))
		assert.False(t, reg.HasCategory("all"))
	})
}

func TestNewFieldRegistry_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fields []FieldSpec
	}{
		{"missing name", []FieldSpec{{Type: TypeString}}},
		{"duplicate", []FieldSpec{{Name: "a", Type: TypeString}, {Name: "a", Type: TypeNumber}}},
		{"enum without values", []FieldSpec{{Name: "a", Type: TypeEnum}}},
		{"negative weight", []FieldSpec{{Name: "a", Type: TypeString, Weight: -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewFieldRegistry(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestLookup_Applicability(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()

	f, ok, err := reg.Lookup(FieldRoofType, CategoryRoofing)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, FieldRoofType, f.Name)

	_, ok, err = reg.Lookup(FieldRoofType, CategoryLandscaping)
	require.NoError(t, err)
	assert.False(t, ok, "roof type does not apply to landscaping")

	_, ok, err = reg.Lookup(FieldRoofType, "")
	require.NoError(t, err)
	assert.True(t, ok, "unknown category is provisionally applicable")

	_, _, err = reg.Lookup(FieldZipCode, "underwater_welding")
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "underwater_welding", se.Category)
}

func TestMustLookup_PanicsOnUnknownField(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	assert.Panics(t, func() { reg.MustLookup("nope", "") })
	assert.NotPanics(t, func() { reg.MustLookup(FieldDescription, CategoryPlumbing) })
}

func TestRequired(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()

	names := func(fs []*FieldSpec) []string {
		out := make([]string, len(fs))
		for i, f := range fs {
			out[i] = f.Name
		}
		return out
	}

	landscaping := names(reg.Required(CategoryLandscaping))
	assert.ElementsMatch(t, []string{FieldCategory, FieldZipCode, FieldDescription, FieldTimeline, FieldPropertyType}, landscaping)

	roofing := names(reg.Required(CategoryRoofing))
	assert.Contains(t, roofing, FieldRoofType)
	assert.NotContains(t, roofing, FieldSystemType)

	union := names(reg.Required(""))
	assert.Contains(t, union, FieldRoofType)
	assert.Contains(t, union, FieldSystemType)
	assert.Len(t, union, 7)
}

func TestSizeScale(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, SizeSoloHandyman.Rank())
	assert.Equal(t, 4, SizeEnterprise.Rank())
	assert.Equal(t, -1, SizeCategory("mega_corp").Rank())
	assert.False(t, SizeCategory("").Valid())
	assert.Equal(t, []string{"solo_handyman", "owner_operator", "small_business", "regional_company", "enterprise"}, SizeScaleNames())
}
