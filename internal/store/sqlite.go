package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/projectmatch/internal/requirement"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS requirement_records (
	id               TEXT PRIMARY KEY,
	conversation_id  TEXT NOT NULL,
	category         TEXT,
	fields           TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	version          INTEGER NOT NULL DEFAULT 0,
	amends_id        TEXT,
	created_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS field_history (
	record_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	field_name  TEXT NOT NULL,
	value       TEXT NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (record_id, seq)
);

CREATE TABLE IF NOT EXISTS published_records (
	id                    TEXT PRIMARY KEY,
	snapshot              TEXT NOT NULL,
	completion_percentage REAL NOT NULL,
	discovery_key         TEXT NOT NULL,
	published_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requirement_records_status ON requirement_records(status, last_activity_at);
CREATE INDEX IF NOT EXISTS idx_requirement_records_amends ON requirement_records(amends_id);
`

// Migrate creates the record tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRecord implements requirement.Store.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *requirement.Record) error {
	fields, err := marshalFields(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requirement_records (id, conversation_id, category, fields, status, version, amends_id, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, nullable(rec.Category), fields, string(rec.Status),
		rec.Version, nullable(rec.AmendsID), rec.CreatedAt, rec.LastActivityAt,
	)
	return eris.Wrapf(err, "sqlite: create record %s", rec.ID)
}

// GetRecord implements requirement.Store.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*requirement.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM requirement_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "sqlite: get record %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name, value, recorded_at FROM field_history WHERE record_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get history %s", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var h requirement.HistoryEntry
		var value string
		if err := rows.Scan(&h.Field, &value, &h.RecordedAt); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan history %s", id)
		}
		if err := json.Unmarshal([]byte(value), &h.Value); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal history %s", id)
		}
		h.RecordedAt = h.RecordedAt.UTC()
		rec.History = append(rec.History, h)
	}
	return rec, eris.Wrapf(rows.Err(), "sqlite: iterate history %s", id)
}

// SaveRecord implements requirement.Store.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *requirement.Record, expectedVersion int64, appended []requirement.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save record: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.updateRecord(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}

	rows, err := historyRows(rec, appended)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO field_history (record_id, seq, field_name, value, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			r...,
		); err != nil {
			return eris.Wrapf(err, "sqlite: append history %s", rec.ID)
		}
	}

	return eris.Wrapf(tx.Commit(), "sqlite: save record %s: commit", rec.ID)
}

func (s *SQLiteStore) updateRecord(ctx context.Context, tx *sql.Tx, rec *requirement.Record, expectedVersion int64) error {
	fields, err := marshalFields(rec)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE requirement_records
		 SET category = ?, fields = ?, status = ?, version = ?, last_activity_at = ?
		 WHERE id = ? AND version = ?`,
		nullable(rec.Category), fields, string(rec.Status), rec.Version, rec.LastActivityAt,
		rec.ID, expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requirement_records WHERE id = ?`, rec.ID).Scan(&count); err != nil {
		return eris.Wrapf(err, "sqlite: check record %s", rec.ID)
	}
	if count == 0 {
		return eris.Wrapf(requirement.ErrNotFound, "sqlite: update record %s", rec.ID)
	}
	return eris.Wrapf(requirement.ErrVersionConflict, "sqlite: update record %s at version %d", rec.ID, expectedVersion)
}

// DeleteRecord implements requirement.Store.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete record: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM requirement_records WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete record %s", id)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM field_history WHERE record_id = ?`, id); err != nil {
		return eris.Wrapf(err, "sqlite: delete history %s", id)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: delete record %s: commit", id)
}

// PublishRecord implements requirement.Store.
func (s *SQLiteStore) PublishRecord(ctx context.Context, rec *requirement.Record, expectedVersion int64, pub *requirement.PublishedRecord) error {
	snapshot, err := json.Marshal(pub.Record)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal snapshot %s", rec.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: publish: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.updateRecord(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO published_records (id, snapshot, completion_percentage, discovery_key, published_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, string(snapshot), pub.CompletionPercentage, pub.DiscoveryKey, pub.PublishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert published %s", rec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(requirement.ErrPublished, "sqlite: insert published %s", rec.ID)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: publish %s: commit", rec.ID)
}

// GetPublished implements requirement.Store.
func (s *SQLiteStore) GetPublished(ctx context.Context, id string) (*requirement.PublishedRecord, error) {
	var pub requirement.PublishedRecord
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, completion_percentage, discovery_key, published_at FROM published_records WHERE id = ?`, id,
	).Scan(&snapshot, &pub.CompletionPercentage, &pub.DiscoveryKey, &pub.PublishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "sqlite: get published %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get published %s", id)
	}
	if err := json.Unmarshal([]byte(snapshot), &pub.Record); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal snapshot %s", id)
	}
	pub.PublishedAt = pub.PublishedAt.UTC()
	return &pub, nil
}

// FindOpenAmendment implements requirement.Store.
func (s *SQLiteStore) FindOpenAmendment(ctx context.Context, publishedID string) (*requirement.Record, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM requirement_records
		 WHERE amends_id = ? AND status IN (?, ?)
		 ORDER BY created_at LIMIT 1`,
		publishedID, string(requirement.StatusCollecting), string(requirement.StatusReady),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "sqlite: open amendment of %s", publishedID)
		}
		return nil, eris.Wrapf(err, "sqlite: open amendment of %s", publishedID)
	}
	return s.GetRecord(ctx, id)
}

// LatestPublishedAmendment implements requirement.Store. Rowid order is
// publish order.
func (s *SQLiteStore) LatestPublishedAmendment(ctx context.Context, publishedID string) (*requirement.PublishedRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id FROM published_records p
		 JOIN requirement_records r ON r.id = p.id
		 WHERE r.amends_id = ?
		 ORDER BY p.rowid DESC LIMIT 1`,
		publishedID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(requirement.ErrNotFound, "sqlite: published amendment of %s", publishedID)
		}
		return nil, eris.Wrapf(err, "sqlite: published amendment of %s", publishedID)
	}
	return s.GetPublished(ctx, id)
}

// ListActive implements requirement.Store. History is not loaded.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]*requirement.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM requirement_records
		 WHERE status IN (?, ?)
		 ORDER BY last_activity_at, id`,
		string(requirement.StatusCollecting), string(requirement.StatusReady),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list active")
	}
	defer rows.Close() //nolint:errcheck

	var out []*requirement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan active")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list active iterate")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(requirement.ErrNotFound, "sqlite: record %s", id)
	}
	return nil
}
