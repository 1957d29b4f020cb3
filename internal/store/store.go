// Package store holds the durable implementations of requirement.Store.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/requirement"
)

// Store is a requirement.Store with a schema and a lifecycle.
type Store interface {
	requirement.Store

	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// MemoryStore is the in-process store with a no-op lifecycle.
type MemoryStore struct {
	*requirement.MemoryStore
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{MemoryStore: requirement.NewMemoryStore()}
}

// Migrate implements Store.
func (*MemoryStore) Migrate(context.Context) error { return nil }

// Close implements Store.
func (*MemoryStore) Close() error { return nil }

// historyColumns is the column order of field_history rows.
var historyColumns = []string{"record_id", "seq", "field_name", "value", "recorded_at"}

// historyRows renders appended history entries. Their sequence numbers
// continue from the entries the record held before the save.
func historyRows(rec *requirement.Record, appended []requirement.HistoryEntry) ([][]any, error) {
	base := len(rec.History) - len(appended)
	if base < 0 {
		return nil, eris.Errorf("store: record %s: %d appended entries exceed history", rec.ID, len(appended))
	}
	rows := make([][]any, 0, len(appended))
	for i, h := range appended {
		value, err := json.Marshal(h.Value)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal history of %s", rec.ID)
		}
		rows = append(rows, []any{rec.ID, int64(base + i), h.Field, string(value), h.RecordedAt})
	}
	return rows, nil
}

func marshalFields(rec *requirement.Record) (string, error) {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]requirement.FieldValue{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", eris.Wrapf(err, "store: marshal fields of %s", rec.ID)
	}
	return string(b), nil
}

func unmarshalFields(rec *requirement.Record, raw []byte) error {
	rec.Fields = map[string]requirement.FieldValue{}
	if len(raw) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(raw, &rec.Fields), "store: unmarshal fields of %s", rec.ID)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
