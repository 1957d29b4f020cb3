package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/db"
)

// RunLog records discovery executions for audit.
type RunLog interface {
	StartRun(ctx context.Context, publishedID string, startedAt time.Time) (string, error)
	CompleteRun(ctx context.Context, runID string, e *Entry) error
	FailRun(ctx context.Context, runID string, errMsg string) error
}

// RunLogMigration creates the discovery_runs table.
const RunLogMigration = `
CREATE TABLE IF NOT EXISTS discovery_runs (
	id                  TEXT PRIMARY KEY,
	published_record_id TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'running',
	sources_used        JSONB,
	sources_failed      JSONB,
	candidates          INTEGER NOT NULL DEFAULT 0,
	broadened           BOOLEAN NOT NULL DEFAULT false,
	error               TEXT,
	started_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_discovery_runs_published ON discovery_runs(published_record_id);
`

// PostgresRunLog implements RunLog with pgx.
type PostgresRunLog struct {
	pool  db.Pool
	newID func() string
}

// NewPostgresRunLog creates a PostgresRunLog.
func NewPostgresRunLog(pool db.Pool) *PostgresRunLog {
	return &PostgresRunLog{pool: pool, newID: uuid.NewString}
}

// Migrate creates the run table.
func (l *PostgresRunLog) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, RunLogMigration)
	return eris.Wrap(err, "discovery: migrate run log")
}

// StartRun inserts a running discovery run and returns its id.
func (l *PostgresRunLog) StartRun(ctx context.Context, publishedID string, startedAt time.Time) (string, error) {
	id := l.newID()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO discovery_runs (id, published_record_id, started_at) VALUES ($1, $2, $3)`,
		id, publishedID, startedAt.UTC(),
	)
	if err != nil {
		return "", eris.Wrapf(err, "discovery: start run for %s", publishedID)
	}
	return id, nil
}

// CompleteRun marks a run completed with its result summary.
func (l *PostgresRunLog) CompleteRun(ctx context.Context, runID string, e *Entry) error {
	used, err := json.Marshal(e.SourcesUsed)
	if err != nil {
		return eris.Wrap(err, "discovery: marshal sources used")
	}
	failed, err := json.Marshal(e.SourcesFailed)
	if err != nil {
		return eris.Wrap(err, "discovery: marshal sources failed")
	}
	_, err = l.pool.Exec(ctx,
		`UPDATE discovery_runs SET
			status = 'completed',
			sources_used = $2,
			sources_failed = $3,
			candidates = $4,
			broadened = $5,
			completed_at = now()
		WHERE id = $1`,
		runID, string(used), string(failed), len(e.Candidates), e.Broadened,
	)
	if err != nil {
		return eris.Wrapf(err, "discovery: complete run %s", runID)
	}
	return nil
}

// FailRun marks a run failed with an error message.
func (l *PostgresRunLog) FailRun(ctx context.Context, runID string, errMsg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE discovery_runs SET status = 'failed', error = $2, completed_at = now() WHERE id = $1`,
		runID, errMsg,
	)
	if err != nil {
		return eris.Wrapf(err, "discovery: fail run %s", runID)
	}
	return nil
}
