// Package ranking scores resolved candidates against a published project
// and selects the shortlist.
package ranking

import (
	"math"
	"sort"

	"github.com/sells-group/projectmatch/internal/classify"
	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
)

// Weights are the relative weights of the score components.
type Weights struct {
	Rating    float64 `mapstructure:"rating" json:"rating"`
	Volume    float64 `mapstructure:"volume" json:"volume"`
	Proximity float64 `mapstructure:"proximity" json:"proximity"`
	Size      float64 `mapstructure:"size" json:"size"`
	Tier      float64 `mapstructure:"tier" json:"tier"`
}

// DefaultWeights returns the default component weights. They sum to 1.
func DefaultWeights() Weights {
	return Weights{Rating: 0.30, Volume: 0.20, Proximity: 0.25, Size: 0.15, Tier: 0.10}
}

func (w Weights) sum() float64 {
	return w.Rating + w.Volume + w.Proximity + w.Size + w.Tier
}

// Criteria describes what a project is looking for.
type Criteria struct {
	Origin        identity.Location  `json:"origin"`
	PreferredSize model.SizeCategory `json:"preferred_size,omitempty"`
	SizeWindow    int                `json:"size_window"`
	// RadiusSteps are successive search radii in miles. The first is the
	// initial hard filter; later ones are broadening steps. Empty means no
	// distance filter.
	RadiusSteps []float64 `json:"radius_steps,omitempty"`
	// TierFloor is the worst acceptable tier. Zero disables the filter.
	TierFloor int     `json:"tier_floor"`
	Weights   Weights `json:"weights"`
}

// Candidate is an identity with its score.
type Candidate struct {
	Identity *identity.Identity `json:"identity"`
	Score    float64            `json:"score"`
	// DistanceMiles is -1 when the distance is unknown.
	DistanceMiles float64            `json:"distance_miles"`
	Components    map[string]float64 `json:"components,omitempty"`
}

const (
	// volumeSaturation is the review count at which the volume component
	// reaches 1.
	volumeSaturation = 1000
	// proximityHalfMiles is the distance at which proximity drops to 0.5.
	proximityHalfMiles = 10.0
	maxRating          = 5.0
)

// Rank scores every candidate and returns them best first. Equal scores
// are ordered by identity key.
func Rank(candidates []*identity.Identity, c Criteria) []Candidate {
	w := c.Weights
	if w.sum() <= 0 {
		w = DefaultWeights()
	}
	window := c.SizeWindow
	if window <= 0 {
		window = classify.DefaultSizeWindow
	}

	out := make([]Candidate, 0, len(candidates))
	for _, id := range candidates {
		dist := Distance(c.Origin, id.Location)
		rating := scoreRating(id.Rating)
		volume := scoreVolume(id.RatingCount)
		proximity := scoreProximity(dist)
		size := scoreSize(c.PreferredSize, id.Size, window)
		tier := scoreTier(id.Tier)

		total := rating*w.Rating + volume*w.Volume + proximity*w.Proximity + size*w.Size + tier*w.Tier
		total = total / w.sum() * 100
		components := map[string]float64{
			"rating":    rating,
			"volume":    volume,
			"proximity": proximity,
			"size":      size,
			"tier":      tier,
		}
		out = append(out, Candidate{
			Identity:      id,
			Score:         math.Round(total*100) / 100,
			DistanceMiles: dist,
			Components:    components,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identity.Key < out[j].Identity.Key
	})
	return out
}

func scoreRating(r float64) float64 {
	return math.Max(0, math.Min(r/maxRating, 1))
}

// scoreVolume grows with the log of the review count.
func scoreVolume(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(math.Log1p(float64(n))/math.Log1p(volumeSaturation), 1)
}

// scoreProximity is inverse distance capped at 1. Unknown distance scores 0.
func scoreProximity(miles float64) float64 {
	if miles < 0 {
		return 0
	}
	return 1 / (1 + miles/proximityHalfMiles)
}

// scoreSize gives full credit for the preferred size and half credit inside
// the acceptable window.
func scoreSize(pref, got model.SizeCategory, window int) float64 {
	d := classify.SizeDistance(pref, got)
	switch {
	case d == 0:
		return 1
	case d > 0 && d <= window:
		return 0.5
	default:
		return 0
	}
}

func scoreTier(tier int) float64 {
	switch tier {
	case 1:
		return 1
	case 2:
		return 0.5
	default:
		return 0
	}
}
