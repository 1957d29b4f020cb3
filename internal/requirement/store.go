package requirement

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Store persists requirement records and their published snapshots.
// Implementations enforce optimistic concurrency: SaveRecord and
// PublishRecord fail with ErrVersionConflict when the stored version is not
// expectedVersion.
type Store interface {
	CreateRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	// SaveRecord replaces the record and appends the given history entries.
	SaveRecord(ctx context.Context, rec *Record, expectedVersion int64, appended []HistoryEntry) error
	DeleteRecord(ctx context.Context, id string) error
	// PublishRecord saves rec (already marked published) and stores pub in
	// one step.
	PublishRecord(ctx context.Context, rec *Record, expectedVersion int64, pub *PublishedRecord) error
	GetPublished(ctx context.Context, id string) (*PublishedRecord, error)
	// FindOpenAmendment returns the mutable record amending publishedID, or
	// ErrNotFound.
	FindOpenAmendment(ctx context.Context, publishedID string) (*Record, error)
	// LatestPublishedAmendment returns the most recently published
	// amendment of publishedID, or ErrNotFound.
	LatestPublishedAmendment(ctx context.Context, publishedID string) (*PublishedRecord, error)
	// ListActive returns every record in collecting or ready state.
	ListActive(ctx context.Context) ([]*Record, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	published map[string]*PublishedRecord
	// amendments lists published amendment ids per amended id, in publish
	// order.
	amendments map[string][]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		published:  make(map[string]*PublishedRecord),
		amendments: make(map[string][]string),
	}
}

// CreateRecord implements Store.
func (s *MemoryStore) CreateRecord(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return eris.Errorf("requirement: create record %s: already exists", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// GetRecord implements Store.
func (s *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "requirement: get record %s", id)
	}
	return rec.Clone(), nil
}

// SaveRecord implements Store. The memory store keeps the full history on
// the record itself, so appended is only checked for consistency.
func (s *MemoryStore) SaveRecord(_ context.Context, rec *Record, expectedVersion int64, appended []HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "requirement: save record %s", rec.ID)
	}
	if cur.Version != expectedVersion {
		return eris.Wrapf(ErrVersionConflict, "requirement: save record %s: have %d, expected %d",
			rec.ID, cur.Version, expectedVersion)
	}
	if len(rec.History) != len(cur.History)+len(appended) {
		return eris.Errorf("requirement: save record %s: history out of step", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// DeleteRecord implements Store.
func (s *MemoryStore) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return eris.Wrapf(ErrNotFound, "requirement: delete record %s", id)
	}
	delete(s.records, id)
	return nil
}

// PublishRecord implements Store.
func (s *MemoryStore) PublishRecord(_ context.Context, rec *Record, expectedVersion int64, pub *PublishedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.ID]
	if !ok {
		return eris.Wrapf(ErrNotFound, "requirement: publish record %s", rec.ID)
	}
	if cur.Version != expectedVersion {
		return eris.Wrapf(ErrVersionConflict, "requirement: publish record %s", rec.ID)
	}
	if _, done := s.published[rec.ID]; done {
		return eris.Wrapf(ErrPublished, "requirement: publish record %s", rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	cp := *pub
	cp.Record = *pub.Record.Clone()
	s.published[rec.ID] = &cp
	if rec.AmendsID != "" {
		s.amendments[rec.AmendsID] = append(s.amendments[rec.AmendsID], rec.ID)
	}
	return nil
}

// GetPublished implements Store.
func (s *MemoryStore) GetPublished(_ context.Context, id string) (*PublishedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.published[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "requirement: get published %s", id)
	}
	cp := *pub
	cp.Record = *pub.Record.Clone()
	return &cp, nil
}

// FindOpenAmendment implements Store.
func (s *MemoryStore) FindOpenAmendment(_ context.Context, publishedID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Record
	for _, rec := range s.records {
		if rec.AmendsID != publishedID || !rec.Status.Mutable() {
			continue
		}
		if found == nil || rec.CreatedAt.Before(found.CreatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, eris.Wrapf(ErrNotFound, "requirement: open amendment of %s", publishedID)
	}
	return found.Clone(), nil
}

// LatestPublishedAmendment implements Store.
func (s *MemoryStore) LatestPublishedAmendment(ctx context.Context, publishedID string) (*PublishedRecord, error) {
	s.mu.RLock()
	ids := s.amendments[publishedID]
	s.mu.RUnlock()
	if len(ids) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "requirement: published amendment of %s", publishedID)
	}
	return s.GetPublished(ctx, ids[len(ids)-1])
}

// ListActive implements Store. Records are ordered by last activity.
func (s *MemoryStore) ListActive(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status.Mutable() {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.Before(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
