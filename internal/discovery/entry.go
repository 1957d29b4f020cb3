// Package discovery fans out to provider sources, resolves and ranks what
// they return, and caches the ranked list per published record.
package discovery

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/model"
	"github.com/sells-group/projectmatch/internal/ranking"
)

// ErrUnavailable is returned when every source failed. Any previous cache
// entry is left unchanged.
var ErrUnavailable = eris.New("discovery: all sources failed")

// RankedCandidate is one entry of the outbound ranked list.
type RankedCandidate struct {
	IdentityKey   string             `json:"identity_key"`
	DisplayName   string             `json:"display_name"`
	SizeCategory  model.SizeCategory `json:"size_category"`
	Tier          int                `json:"tier"`
	Score         float64            `json:"score"`
	DistanceMiles float64            `json:"distance_miles"`
}

// Entry is the cached discovery result of one published record.
type Entry struct {
	PublishedRecordID string            `json:"published_record_id"`
	Candidates        []RankedCandidate `json:"candidates"`
	SourcesUsed       []string          `json:"sources_used"`
	SourcesFailed     []string          `json:"sources_failed"`
	Broadened         bool              `json:"broadened"`
	Steps             []ranking.Step    `json:"broadening_steps,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Stale             bool              `json:"stale"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Candidates = append([]RankedCandidate(nil), e.Candidates...)
	c.SourcesUsed = append([]string(nil), e.SourcesUsed...)
	c.SourcesFailed = append([]string(nil), e.SourcesFailed...)
	c.Steps = append([]ranking.Step(nil), e.Steps...)
	return &c
}

// FromSelection converts a ranking selection to outbound candidates.
func FromSelection(sel ranking.Selection) []RankedCandidate {
	out := make([]RankedCandidate, 0, len(sel.Candidates))
	for _, c := range sel.Candidates {
		out = append(out, RankedCandidate{
			IdentityKey:   c.Identity.Key,
			DisplayName:   c.Identity.DisplayName,
			SizeCategory:  c.Identity.Size,
			Tier:          c.Identity.Tier,
			Score:         c.Score,
			DistanceMiles: c.DistanceMiles,
		})
	}
	return out
}
