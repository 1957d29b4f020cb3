package requirement

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/model"
)

var (
	// ErrNotFound is returned when a record id is unknown to the store.
	ErrNotFound = eris.New("requirement: record not found")
	// ErrPublished is returned for writes or deletes against a published record.
	// Callers route post-publication corrections through Engine.Amend.
	ErrPublished = eris.New("requirement: record is published")
	// ErrAbandoned is returned for writes against an abandoned record.
	ErrAbandoned = eris.New("requirement: record is abandoned")
	// ErrVersionConflict is returned by stores when an optimistic save loses
	// a race with another writer.
	ErrVersionConflict = eris.New("requirement: version conflict")
	// ErrNothingToUndo is returned when a field has no earlier value.
	ErrNothingToUndo = eris.New("requirement: no earlier value to restore")
)

// ValidationError reports a field value the registry refused.
type ValidationError struct {
	Field     string
	Rejection *model.Rejection
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("requirement: invalid %s: %s", e.Field, e.Rejection.Error())
}

func (e *ValidationError) Unwrap() error { return e.Rejection }

// NotReadyError is returned by Publish when the gate does not hold.
type NotReadyError struct {
	RecordID   string
	Missing    []string
	Completion float64
	Threshold  float64
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("requirement: record %s not ready (%.1f%% of %.1f%%, missing: %s)",
		e.RecordID, e.Completion, e.Threshold, strings.Join(e.Missing, ", "))
}
