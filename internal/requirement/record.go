// Package requirement assembles requirement records from field extraction
// events and decides when a record may be published.
package requirement

import (
	"time"
)

// Status is the lifecycle state of a requirement record.
type Status string

// Record statuses.
const (
	StatusCollecting Status = "collecting"
	StatusReady      Status = "ready"
	StatusPublished  Status = "published"
	StatusAbandoned  Status = "abandoned"
)

// Mutable reports whether field writes are still allowed.
func (s Status) Mutable() bool {
	return s == StatusCollecting || s == StatusReady
}

// Source is the provenance of a field value.
type Source string

// Field value sources.
const (
	SourceInferred       Source = "inferred"
	SourceUserConfirmed  Source = "user_confirmed"
	SourceExternalLookup Source = "external_lookup"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceInferred, SourceUserConfirmed, SourceExternalLookup:
		return true
	}
	return false
}

// FieldValue is the current accepted value of one field.
type FieldValue struct {
	RawValue        any     `json:"raw_value"`
	NormalizedValue any     `json:"normalized_value"`
	Source          Source  `json:"source"`
	Confidence      float64 `json:"confidence"`

	// UpdatedAt is the logical observed_at of the accepted write.
	UpdatedAt int64 `json:"updated_at"`
	Version   int64 `json:"version"`

	// Excluded is set when the field does not apply to the record's category.
	// Excluded values stay in the map and history but do not score.
	Excluded bool `json:"excluded,omitempty"`

	// RestoredFrom is the 1-based position in the field's history that an
	// undo copied this value from. Zero for ordinary writes.
	RestoredFrom int `json:"restored_from,omitempty"`
}

// HistoryEntry is one accepted write, kept for audit and undo.
type HistoryEntry struct {
	Field      string     `json:"field_name"`
	Value      FieldValue `json:"value"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// Record is the per-conversation requirement aggregate.
type Record struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Category       string                `json:"category,omitempty"`
	Fields         map[string]FieldValue `json:"fields"`
	Status         Status                `json:"status"`

	// Version counts accepted writes to the record and guards optimistic saves.
	Version        int64          `json:"version"`
	AmendsID       string         `json:"amends_id,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// Clone returns a deep copy of the record's maps and slices.
func (r *Record) Clone() *Record {
	c := *r
	c.Fields = make(map[string]FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	c.History = append([]HistoryEntry(nil), r.History...)
	return &c
}

// FieldHistory returns the accepted writes for one field, oldest first.
func (r *Record) FieldHistory(field string) []HistoryEntry {
	var out []HistoryEntry
	for _, h := range r.History {
		if h.Field == field {
			out = append(out, h)
		}
	}
	return out
}

// PublishedRecord is the immutable snapshot taken at publication.
type PublishedRecord struct {
	Record               Record    `json:"record"`
	PublishedAt          time.Time `json:"published_at"`
	CompletionPercentage float64   `json:"completion_percentage"`

	// DiscoveryKey addresses the record's discovery cache entry.
	DiscoveryKey string `json:"discovery_key"`
}

// ID returns the published record id, which equals the source record id.
func (p *PublishedRecord) ID() string { return p.Record.ID }

// Value returns the normalized value of a field in the snapshot.
func (p *PublishedRecord) Value(field string) (any, bool) {
	fv, ok := p.Record.Fields[field]
	if !ok || fv.Excluded {
		return nil, false
	}
	return fv.NormalizedValue, true
}

// Update is an inbound field extraction event.
type Update struct {
	Field      string  `json:"field_name"`
	Value      any     `json:"value"`
	Source     Source  `json:"source"`
	Confidence float64 `json:"confidence"`
	ObservedAt int64   `json:"observed_at"`
}

// Outcome describes what ApplyUpdate did with an update.
type Outcome string

// Update outcomes. Stale outcomes are no-ops, not failures.
const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeStale         Outcome = "stale"
	OutcomeStaleInferior Outcome = "stale_inferior"
)

// Result is returned by ApplyUpdate.
type Result struct {
	Outcome              Outcome `json:"outcome"`
	Record               *Record `json:"record"`
	CompletionPercentage float64 `json:"completion_percentage"`
}
