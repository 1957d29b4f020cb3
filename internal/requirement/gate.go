package requirement

import (
	"sort"
	"time"

	"github.com/sells-group/projectmatch/internal/model"
)

// DefaultPublishThreshold is the completion percentage a record must reach
// before it can be published.
const DefaultPublishThreshold = 70.0

// Policy is the configurable publication policy.
type Policy struct {
	// Threshold is the minimum completion percentage (0-100).
	Threshold float64
	// HardRequired fields must be present regardless of weight.
	HardRequired []string
	// InactivityTimeout is the idle window after which SweepInactive
	// abandons a record. Zero disables sweeping.
	InactivityTimeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:         DefaultPublishThreshold,
		HardRequired:      []string{model.FieldCategory, model.FieldZipCode, model.FieldDescription},
		InactivityTimeout: 30 * time.Minute,
	}
}

// GateResult is the outbound publish-gate status.
type GateResult struct {
	RecordID             string   `json:"record_id"`
	Status               Status   `json:"status"`
	Ready                bool     `json:"ready"`
	CompletionPercentage float64  `json:"completion_percentage"`
	Threshold            float64  `json:"threshold"`
	MissingRequired      []string `json:"missing_required"`
}

// EvaluatePublishGate checks the dual publication condition: every hard
// required field present and completion at or above the threshold.
// MissingRequired lists hard-required gaps first, then the remaining
// required gaps by descending weight, so callers can ask for them in order.
func EvaluatePublishGate(reg *model.FieldRegistry, policy Policy, rec *Record) GateResult {
	completion := CompletionPercentage(reg, rec)

	present := func(name string) bool {
		fv, ok := rec.Fields[name]
		return ok && !fv.Excluded
	}

	missing := []string{}
	hardMissing := false
	seen := make(map[string]bool, len(policy.HardRequired))
	for _, name := range policy.HardRequired {
		seen[name] = true
		if !present(name) {
			missing = append(missing, name)
			hardMissing = true
		}
	}

	var soft []*model.FieldSpec
	for _, f := range reg.Required(rec.Category) {
		if !seen[f.Name] && !present(f.Name) {
			soft = append(soft, f)
		}
	}
	sort.SliceStable(soft, func(i, j int) bool {
		if soft[i].Weight != soft[j].Weight {
			return soft[i].Weight > soft[j].Weight
		}
		return soft[i].Name < soft[j].Name
	})
	for _, f := range soft {
		missing = append(missing, f.Name)
	}

	return GateResult{
		RecordID:             rec.ID,
		Status:               rec.Status,
		Ready:                !hardMissing && completion >= policy.Threshold,
		CompletionPercentage: completion,
		Threshold:            policy.Threshold,
		MissingRequired:      missing,
	}
}
