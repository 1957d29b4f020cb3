package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/db"
	"github.com/sells-group/projectmatch/internal/requirement"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to Postgres and returns a store backed by the pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close does not close it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems sharing the database.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS requirement_records (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL,
	category         TEXT,
	fields           JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	version          BIGINT NOT NULL DEFAULT 0,
	amends_id        TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_history (
	record_id   TEXT NOT NULL REFERENCES requirement_records(id) ON DELETE CASCADE,
	seq         BIGINT NOT NULL,
	field_name  TEXT NOT NULL,
	value       JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_id, seq)
);

CREATE TABLE IF NOT EXISTS published_records (
	id                    TEXT PRIMARY KEY,
	snapshot              JSONB NOT NULL,
	completion_percentage DOUBLE PRECISION NOT NULL,
	discovery_key         TEXT NOT NULL,
	published_at          TIMESTAMPTZ NOT NULL
);

ALTER TABLE published_records ADD COLUMN IF NOT EXISTS seq BIGSERIAL;

CREATE INDEX IF NOT EXISTS idx_requirement_records_status ON requirement_records(status, last_activity_at);
CREATE INDEX IF NOT EXISTS idx_requirement_records_amends ON requirement_records(amends_id) WHERE amends_id IS NOT NULL;
`

// Migrate creates the record tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const recordColumns = `id, conversation_id, COALESCE(category, ''), fields, status, version, COALESCE(amends_id, ''), created_at, last_activity_at`

// CreateRecord implements requirement.Store.
func (s *PostgresStore) CreateRecord(ctx context.Context, rec *requirement.Record) error {
	fields, err := marshalFields(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO requirement_records (id, conversation_id, category, fields, status, version, amends_id, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ConversationID, nullable(rec.Category), fields, string(rec.Status),
		rec.Version, nullable(rec.AmendsID), rec.CreatedAt, rec.LastActivityAt,
	)
	return eris.Wrapf(err, "postgres: create record %s", rec.ID)
}

// GetRecord implements requirement.Store.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*requirement.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM requirement_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "postgres: get record %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT field_name, value, recorded_at FROM field_history WHERE record_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get history %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var h requirement.HistoryEntry
		var value []byte
		if err := rows.Scan(&h.Field, &value, &h.RecordedAt); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan history %s", id)
		}
		if err := json.Unmarshal(value, &h.Value); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal history %s", id)
		}
		rec.History = append(rec.History, h)
	}
	return rec, eris.Wrapf(rows.Err(), "postgres: iterate history %s", id)
}

// SaveRecord implements requirement.Store.
func (s *PostgresStore) SaveRecord(ctx context.Context, rec *requirement.Record, expectedVersion int64, appended []requirement.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save record: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := updateRecord(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}

	rows, err := historyRows(rec, appended)
	if err != nil {
		return err
	}
	if _, err := db.CopyFrom(ctx, tx, "field_history", historyColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: append history %s", rec.ID)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: save record %s: commit", rec.ID)
}

// updateRecord writes the mutable columns guarded by the version check.
func updateRecord(ctx context.Context, tx pgx.Tx, rec *requirement.Record, expectedVersion int64) error {
	fields, err := marshalFields(rec)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE requirement_records
		 SET category = $1, fields = $2, status = $3, version = $4, last_activity_at = $5
		 WHERE id = $6 AND version = $7`,
		nullable(rec.Category), fields, string(rec.Status), rec.Version, rec.LastActivityAt,
		rec.ID, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", rec.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requirement_records WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: check record %s", rec.ID)
	}
	if !exists {
		return eris.Wrapf(requirement.ErrNotFound, "postgres: update record %s", rec.ID)
	}
	return eris.Wrapf(requirement.ErrVersionConflict, "postgres: update record %s at version %d", rec.ID, expectedVersion)
}

// DeleteRecord implements requirement.Store. History rows cascade.
func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM requirement_records WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(requirement.ErrNotFound, "postgres: delete record %s", id)
	}
	return nil
}

// PublishRecord implements requirement.Store.
func (s *PostgresStore) PublishRecord(ctx context.Context, rec *requirement.Record, expectedVersion int64, pub *requirement.PublishedRecord) error {
	snapshot, err := json.Marshal(pub.Record)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal snapshot %s", rec.ID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: publish: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := updateRecord(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO published_records (id, snapshot, completion_percentage, discovery_key, published_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(snapshot), pub.CompletionPercentage, pub.DiscoveryKey, pub.PublishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert published %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(requirement.ErrPublished, "postgres: insert published %s", rec.ID)
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: publish %s: commit", rec.ID)
}

// GetPublished implements requirement.Store.
func (s *PostgresStore) GetPublished(ctx context.Context, id string) (*requirement.PublishedRecord, error) {
	var pub requirement.PublishedRecord
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot, completion_percentage, discovery_key, published_at FROM published_records WHERE id = $1`, id,
	).Scan(&snapshot, &pub.CompletionPercentage, &pub.DiscoveryKey, &pub.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "postgres: get published %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get published %s", id)
	}
	if err := json.Unmarshal(snapshot, &pub.Record); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal snapshot %s", id)
	}
	pub.PublishedAt = pub.PublishedAt.UTC()
	return &pub, nil
}

// FindOpenAmendment implements requirement.Store.
func (s *PostgresStore) FindOpenAmendment(ctx context.Context, publishedID string) (*requirement.Record, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM requirement_records
		 WHERE amends_id = $1 AND status IN ($2, $3)
		 ORDER BY created_at LIMIT 1`,
		publishedID, string(requirement.StatusCollecting), string(requirement.StatusReady),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "postgres: open amendment of %s", publishedID)
		}
		return nil, eris.Wrapf(err, "postgres: open amendment of %s", publishedID)
	}
	return s.GetRecord(ctx, id)
}

// LatestPublishedAmendment implements requirement.Store.
func (s *PostgresStore) LatestPublishedAmendment(ctx context.Context, publishedID string) (*requirement.PublishedRecord, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT p.id FROM published_records p
		 JOIN requirement_records r ON r.id = p.id
		 WHERE r.amends_id = $1
		 ORDER BY p.seq DESC LIMIT 1`,
		publishedID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "postgres: published amendment of %s", publishedID)
		}
		return nil, eris.Wrapf(err, "postgres: published amendment of %s", publishedID)
	}
	return s.GetPublished(ctx, id)
}

// ListActive implements requirement.Store. History is not loaded.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*requirement.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM requirement_records
		 WHERE status IN ($1, $2)
		 ORDER BY last_activity_at, id`,
		string(requirement.StatusCollecting), string(requirement.StatusReady),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list active")
	}
	defer rows.Close()

	var out []*requirement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan active")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list active iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*requirement.Record, error) {
	var rec requirement.Record
	var status string
	var fields []byte
	var createdAt, lastActivity time.Time
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.Category, &fields, &status,
		&rec.Version, &rec.AmendsID, &createdAt, &lastActivity)
	if err != nil {
		return nil, err
	}
	rec.Status = requirement.Status(status)
	rec.CreatedAt = createdAt.UTC()
	rec.LastActivityAt = lastActivity.UTC()
	if err := unmarshalFields(&rec, fields); err != nil {
		return nil, err
	}
	return &rec, nil
}
