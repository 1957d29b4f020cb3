// Package classify assigns size categories and credibility tiers to
// resolved candidate identities.
package classify

import (
	"slices"
	"strings"
	"unicode"

	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
)

// Employee-count floors, largest first.
var employeeBands = []struct {
	min  int
	size model.SizeCategory
}{
	{500, model.SizeEnterprise},
	{50, model.SizeRegionalCompany},
	{5, model.SizeSmallBusiness},
	{2, model.SizeOwnerOperator},
	{1, model.SizeSoloHandyman},
}

// Annual revenue floors in dollars, largest first.
var revenueBands = []struct {
	min  float64
	size model.SizeCategory
}{
	{50_000_000, model.SizeEnterprise},
	{5_000_000, model.SizeRegionalCompany},
	{500_000, model.SizeSmallBusiness},
	{100_000, model.SizeOwnerOperator},
	{0, model.SizeSoloHandyman},
}

// Self-reported phrases, checked in order. The first list with a hit wins.
var keywordBands = []struct {
	phrases []string
	size    model.SizeCategory
}{
	{[]string{"nationwide", "national", "franchise", "fortune 500"}, model.SizeEnterprise},
	{[]string{"statewide", "regional", "multiple locations", "offices in", "fleet"}, model.SizeRegionalCompany},
	{[]string{"crew", "our team", "employees", "family owned", "family-owned"}, model.SizeSmallBusiness},
	{[]string{"handyman", "one man", "one-man", "solo", "independent", "side business"}, model.SizeSoloHandyman},
}

// Review-volume floors used when no hard signal or keyword is present.
const (
	regionalReviewFloor = 1000
	smallReviewFloor    = 200
)

// ClassifySize places an identity on the size scale. Employee count and
// revenue are hard signals; when both are reported the larger band wins.
// Otherwise self-reported keywords, then review volume, decide. Identities
// with no usable signal are owner operators.
func ClassifySize(id *identity.Identity) model.SizeCategory {
	var employees int
	var revenue float64
	var keywords []string
	for _, o := range id.Observations {
		employees = max(employees, o.EmployeeCount)
		revenue = max(revenue, o.AnnualRevenue)
		keywords = append(keywords, o.Keywords...)
	}

	best := -1
	if employees > 0 {
		best = max(best, sizeForEmployees(employees).Rank())
	}
	if revenue > 0 {
		best = max(best, sizeForRevenue(revenue).Rank())
	}
	if best >= 0 {
		return model.SizeScale[best]
	}

	if s, ok := sizeForKeywords(keywords); ok {
		return s
	}
	switch {
	case id.RatingCount >= regionalReviewFloor:
		return model.SizeRegionalCompany
	case id.RatingCount >= smallReviewFloor:
		return model.SizeSmallBusiness
	}
	return model.SizeOwnerOperator
}

func sizeForEmployees(n int) model.SizeCategory {
	for _, b := range employeeBands {
		if n >= b.min {
			return b.size
		}
	}
	return model.SizeSoloHandyman
}

func sizeForRevenue(r float64) model.SizeCategory {
	for _, b := range revenueBands {
		if r >= b.min {
			return b.size
		}
	}
	return model.SizeSoloHandyman
}

// Words that cancel the phrase right after them ("no employees").
var negators = map[string]bool{"no": true, "not": true, "non": true, "without": true}

func sizeForKeywords(keywords []string) (model.SizeCategory, bool) {
	if len(keywords) == 0 {
		return "", false
	}
	texts := make([][]string, 0, len(keywords))
	for _, k := range keywords {
		texts = append(texts, words(k))
	}
	for _, b := range keywordBands {
		for _, p := range b.phrases {
			phrase := words(p)
			for _, text := range texts {
				if containsPhrase(text, phrase) {
					return b.size, true
				}
			}
		}
	}
	return "", false
}

// words lowercases s and splits it on anything that is not a letter or digit.
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsPhrase reports whether phrase occurs in text as whole words and is
// not directly preceded by a negator.
func containsPhrase(text, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(text); i++ {
		if !slices.Equal(text[i:i+len(phrase)], phrase) {
			continue
		}
		if i > 0 && negators[text[i-1]] {
			continue
		}
		return true
	}
	return false
}

// DefaultSizeWindow is how many neighbours on each side of a preferred size
// are acceptable.
const DefaultSizeWindow = 1

// acceptable is the ±1 window for every size, precomputed.
var acceptable = map[model.SizeCategory][]model.SizeCategory{
	model.SizeSoloHandyman:    {model.SizeSoloHandyman, model.SizeOwnerOperator},
	model.SizeOwnerOperator:   {model.SizeSoloHandyman, model.SizeOwnerOperator, model.SizeSmallBusiness},
	model.SizeSmallBusiness:   {model.SizeOwnerOperator, model.SizeSmallBusiness, model.SizeRegionalCompany},
	model.SizeRegionalCompany: {model.SizeSmallBusiness, model.SizeRegionalCompany, model.SizeEnterprise},
	model.SizeEnterprise:      {model.SizeRegionalCompany, model.SizeEnterprise},
}

// AcceptableSizes returns the sizes within one step of pref, smallest
// first. An unknown pref yields nil.
func AcceptableSizes(pref model.SizeCategory) []model.SizeCategory {
	return append([]model.SizeCategory(nil), acceptable[pref]...)
}

// AcceptableSizesWithin returns the sizes within window steps of pref,
// clipped to the scale. A negative window is treated as zero.
func AcceptableSizesWithin(pref model.SizeCategory, window int) []model.SizeCategory {
	if window == DefaultSizeWindow {
		return AcceptableSizes(pref)
	}
	r := pref.Rank()
	if r < 0 {
		return nil
	}
	window = max(window, 0)
	lo := max(r-window, 0)
	hi := min(r+window, len(model.SizeScale)-1)
	return append([]model.SizeCategory(nil), model.SizeScale[lo:hi+1]...)
}

// SizeDistance is the number of scale steps between a and b, or -1 when
// either is unknown.
func SizeDistance(a, b model.SizeCategory) int {
	ra, rb := a.Rank(), b.Rank()
	if ra < 0 || rb < 0 {
		return -1
	}
	if ra > rb {
		return ra - rb
	}
	return rb - ra
}
