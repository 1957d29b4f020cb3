package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
)

func withObs(ratingCount int, obs ...identity.Observation) *identity.Identity {
	return &identity.Identity{Key: "np:test|5125550100", Observations: obs, RatingCount: ratingCount}
}

func TestClassifySize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		id   *identity.Identity
		want model.SizeCategory
	}{
		{"no signal", withObs(0, identity.Observation{}), model.SizeOwnerOperator},
		{"one employee", withObs(0, identity.Observation{EmployeeCount: 1}), model.SizeSoloHandyman},
		{"three employees", withObs(0, identity.Observation{EmployeeCount: 3}), model.SizeOwnerOperator},
		{"twelve employees", withObs(0, identity.Observation{EmployeeCount: 12}), model.SizeSmallBusiness},
		{"eighty employees", withObs(0, identity.Observation{EmployeeCount: 80}), model.SizeRegionalCompany},
		{"enterprise headcount", withObs(0, identity.Observation{EmployeeCount: 2500}), model.SizeEnterprise},
		{"small revenue", withObs(0, identity.Observation{AnnualRevenue: 60_000}), model.SizeSoloHandyman},
		{"regional revenue", withObs(0, identity.Observation{AnnualRevenue: 7_500_000}), model.SizeRegionalCompany},
		{"larger band wins", withObs(0, identity.Observation{EmployeeCount: 3, AnnualRevenue: 800_000}), model.SizeSmallBusiness},
		{"max across observations", withObs(0, identity.Observation{EmployeeCount: 3}, identity.Observation{EmployeeCount: 60}), model.SizeRegionalCompany},
		{"hard signal beats keywords", withObs(0, identity.Observation{EmployeeCount: 1, Keywords: []string{"nationwide"}}), model.SizeSoloHandyman},
		{"handyman keyword", withObs(0, identity.Observation{Keywords: []string{"Licensed Handyman"}}), model.SizeSoloHandyman},
		{"crew keyword", withObs(0, identity.Observation{Keywords: []string{"our crew of ten"}}), model.SizeSmallBusiness},
		{"franchise keyword", withObs(0, identity.Observation{Keywords: []string{"Franchise location"}}), model.SizeEnterprise},
		{"keyword beats review volume", withObs(5000, identity.Observation{Keywords: []string{"solo operator"}}), model.SizeSoloHandyman},
		{"international is not national", withObs(0, identity.Observation{Keywords: []string{"International turf supplier"}}), model.SizeOwnerOperator},
		{"national as a word", withObs(0, identity.Observation{Keywords: []string{"National Lawn Care"}}), model.SizeEnterprise},
		{"negated phrase", withObs(0, identity.Observation{Keywords: []string{"no employees"}}), model.SizeOwnerOperator},
		{"negated phrase falls through to next", withObs(0, identity.Observation{Keywords: []string{"No employees, just a solo handyman"}}), model.SizeSoloHandyman},
		{"hyphenated phrase", withObs(0, identity.Observation{Keywords: []string{"Family-Owned since 1998"}}), model.SizeSmallBusiness},
		{"phrases do not span keywords", withObs(0, identity.Observation{Keywords: []string{"one", "man"}}), model.SizeOwnerOperator},
		{"high review volume", withObs(1200, identity.Observation{}), model.SizeRegionalCompany},
		{"medium review volume", withObs(250, identity.Observation{}), model.SizeSmallBusiness},
		{"low review volume", withObs(40, identity.Observation{}), model.SizeOwnerOperator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifySize(tt.id))
		})
	}
}

func TestAcceptableSizes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		pref model.SizeCategory
		want []model.SizeCategory
	}{
		{model.SizeSoloHandyman, []model.SizeCategory{model.SizeSoloHandyman, model.SizeOwnerOperator}},
		{model.SizeOwnerOperator, []model.SizeCategory{model.SizeSoloHandyman, model.SizeOwnerOperator, model.SizeSmallBusiness}},
		{model.SizeSmallBusiness, []model.SizeCategory{model.SizeOwnerOperator, model.SizeSmallBusiness, model.SizeRegionalCompany}},
		{model.SizeRegionalCompany, []model.SizeCategory{model.SizeSmallBusiness, model.SizeRegionalCompany, model.SizeEnterprise}},
		{model.SizeEnterprise, []model.SizeCategory{model.SizeRegionalCompany, model.SizeEnterprise}},
	}
	for _, tt := range tests {
		t.Run(string(tt.pref), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, AcceptableSizes(tt.pref))
		})
	}
	assert.Nil(t, AcceptableSizes("gigantic"))
}

func TestAcceptableSizes_MatchesComputedWindow(t *testing.T) {
	t.Parallel()
	for _, s := range model.SizeScale {
		lo := max(s.Rank()-1, 0)
		hi := min(s.Rank()+1, len(model.SizeScale)-1)
		assert.Equal(t, model.SizeScale[lo:hi+1], AcceptableSizes(s), string(s))
	}
}

func TestAcceptableSizesWithin(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []model.SizeCategory{model.SizeSmallBusiness}, AcceptableSizesWithin(model.SizeSmallBusiness, 0))
	assert.Equal(t, []model.SizeCategory{model.SizeSmallBusiness}, AcceptableSizesWithin(model.SizeSmallBusiness, -3))
	assert.Equal(t, model.SizeScale, AcceptableSizesWithin(model.SizeSmallBusiness, 2))
	assert.Equal(t, []model.SizeCategory{model.SizeSoloHandyman, model.SizeOwnerOperator, model.SizeSmallBusiness},
		AcceptableSizesWithin(model.SizeSoloHandyman, 2))
	assert.Equal(t, AcceptableSizes(model.SizeEnterprise), AcceptableSizesWithin(model.SizeEnterprise, DefaultSizeWindow))
	assert.Nil(t, AcceptableSizesWithin("", 2))

	// Callers may modify the result without corrupting the table.
	got := AcceptableSizes(model.SizeOwnerOperator)
	got[0] = model.SizeEnterprise
	assert.Equal(t, model.SizeSoloHandyman, AcceptableSizes(model.SizeOwnerOperator)[0])
}

func TestSizeDistance(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, SizeDistance(model.SizeSmallBusiness, model.SizeSmallBusiness))
	assert.Equal(t, 3, SizeDistance(model.SizeEnterprise, model.SizeOwnerOperator))
	assert.Equal(t, 3, SizeDistance(model.SizeOwnerOperator, model.SizeEnterprise))
	assert.Equal(t, -1, SizeDistance("", model.SizeEnterprise))
}
