package requirement

import (
	"github.com/sells-group/projectmatch/internal/model"
)

// CompletionPercentage returns the share of required weight covered by
// present, applicable values, on a 0-100 scale. With no category yet the
// denominator is the union of every category's required weight, which keeps
// the figure a lower bound until classification.
func CompletionPercentage(reg *model.FieldRegistry, rec *Record) float64 {
	required := reg.Required(rec.Category)

	total := 0.0
	covered := 0.0
	for _, f := range required {
		total += f.Weight
		if fv, ok := rec.Fields[f.Name]; ok && !fv.Excluded {
			covered += f.Weight
		}
	}

	if total == 0 {
		return 100
	}
	return covered / total * 100
}

// markApplicability flags every stored value that does not apply to the
// record's current category. Values are never removed.
func markApplicability(reg *model.FieldRegistry, rec *Record) (excluded []string) {
	for name, fv := range rec.Fields {
		spec, err := reg.Spec(name)
		if err != nil {
			// Field dropped from a replaced registry; keep it out of scoring.
			fv.Excluded = true
			rec.Fields[name] = fv
			excluded = append(excluded, name)
			continue
		}
		fv.Excluded = !spec.AppliesTo(rec.Category)
		rec.Fields[name] = fv
		if fv.Excluded {
			excluded = append(excluded, name)
		}
	}
	return excluded
}
