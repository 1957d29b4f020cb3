package ranking

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/classify"
	"github.com/sells-group/projectmatch/internal/metrics"
	"github.com/sells-group/projectmatch/internal/model"
)

// Broadening step kinds, applied in this order.
const (
	StepRadius     = "radius"
	StepSizeWindow = "size_window"
	StepTierFloor  = "tier_floor"
)

// Step is one applied broadening step.
type Step struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (s Step) String() string { return s.Kind + "=" + s.Value }

// Selection is the shortlist and the filters that produced it.
type Selection struct {
	Candidates  []Candidate `json:"candidates"`
	Broadened   bool        `json:"broadened"`
	Steps       []Step      `json:"steps,omitempty"`
	RadiusMiles float64     `json:"radius_miles,omitempty"`
	SizeWindow  int         `json:"size_window"`
	TierFloor   int         `json:"tier_floor"`
}

// filters are the hard filters of one selection pass.
type filters struct {
	radiusIdx int
	window    int
	tierFloor int
}

// Select takes the top target candidates of ranked (already ordered by
// Rank) that pass the hard filters. While fewer than target pass, filters
// are broadened one step at a time: radius through RadiusSteps, then the
// size window by one neighbour, then the tier floor is dropped.
func Select(ranked []Candidate, target int, c Criteria) Selection {
	log := zap.L().With(zap.String("component", "ranking"))

	f := filters{window: c.SizeWindow, tierFloor: c.TierFloor}
	if f.window <= 0 {
		f.window = classify.DefaultSizeWindow
	}
	sizeWidened := false

	var steps []Step
	for {
		picked := pick(ranked, target, c, f)
		if len(picked) >= target {
			return selection(picked, steps, c, f)
		}

		var step Step
		switch {
		case f.radiusIdx+1 < len(c.RadiusSteps):
			f.radiusIdx++
			step = Step{Kind: StepRadius, Value: fmt.Sprintf("%g", c.RadiusSteps[f.radiusIdx])}
		case !sizeWidened && c.PreferredSize.Valid():
			sizeWidened = true
			f.window++
			step = Step{Kind: StepSizeWindow, Value: fmt.Sprintf("%d", f.window)}
		case f.tierFloor > 0:
			f.tierFloor = 0
			step = Step{Kind: StepTierFloor, Value: "dropped"}
		default:
			log.Info("selection under-supplied after all broadening steps",
				zap.Int("target", target),
				zap.Int("selected", len(picked)),
			)
			return selection(picked, steps, c, f)
		}

		steps = append(steps, step)
		metrics.SelectionBroadened.WithLabelValues(step.Kind).Inc()
		log.Info("selection broadened",
			zap.String("step", step.String()),
			zap.Int("target", target),
			zap.Int("had", len(picked)),
		)
	}
}

func selection(picked []Candidate, steps []Step, c Criteria, f filters) Selection {
	s := Selection{
		Candidates: picked,
		Broadened:  len(steps) > 0,
		Steps:      steps,
		SizeWindow: f.window,
		TierFloor:  f.tierFloor,
	}
	if len(c.RadiusSteps) > 0 {
		s.RadiusMiles = c.RadiusSteps[f.radiusIdx]
	}
	if s.Candidates == nil {
		s.Candidates = []Candidate{}
	}
	return s
}

func pick(ranked []Candidate, target int, c Criteria, f filters) []Candidate {
	var sizes map[model.SizeCategory]bool
	if c.PreferredSize.Valid() {
		sizes = map[model.SizeCategory]bool{}
		for _, s := range classify.AcceptableSizesWithin(c.PreferredSize, f.window) {
			sizes[s] = true
		}
	}

	var out []Candidate
	for _, cand := range ranked {
		if len(out) >= target {
			break
		}
		if len(c.RadiusSteps) > 0 {
			if cand.DistanceMiles < 0 || cand.DistanceMiles > c.RadiusSteps[f.radiusIdx] {
				continue
			}
		}
		if sizes != nil && !sizes[cand.Identity.Size] {
			continue
		}
		if f.tierFloor > 0 && (cand.Identity.Tier < 1 || cand.Identity.Tier > f.tierFloor) {
			continue
		}
		out = append(out, cand)
	}
	return out
}
