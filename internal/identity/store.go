package identity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/projectmatch/internal/db"
)

// Change is one merge as seen by a Store: the identities written, the
// identities absorbed, and the observation that caused it.
type Change struct {
	Upserted    []*Identity
	Removed     []string
	Observation Observation
	Fingerprint string
	IdentityKey string
}

// Store persists the knowledge base.
type Store interface {
	Load(ctx context.Context) ([]*Identity, error)
	Save(ctx context.Context, ch Change) error
}

// PostgresStore keeps identities in candidate_identities and an append-only
// provenance log in candidate_observations.
type PostgresStore struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresStore creates a PostgresStore on pool.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Migration creates the identity tables.
const Migration = `
CREATE TABLE IF NOT EXISTS candidate_identities (
	identity_key       TEXT PRIMARY KEY,
	display_name       TEXT NOT NULL,
	rating             DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count       INTEGER NOT NULL DEFAULT 0,
	size_category      TEXT,
	tier               INTEGER,
	completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	aliases            JSONB NOT NULL,
	body               JSONB NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS candidate_observations (
	fingerprint  TEXT PRIMARY KEY,
	identity_key TEXT NOT NULL,
	source_name  TEXT NOT NULL,
	observed_at  BIGINT NOT NULL,
	payload      JSONB NOT NULL,
	ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_candidate_identities_aliases ON candidate_identities USING GIN (aliases);
CREATE INDEX IF NOT EXISTS idx_candidate_observations_identity ON candidate_observations(identity_key);
`

// Migrate creates the identity tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Migration)
	return eris.Wrap(err, "identity: migrate")
}

var identityColumns = []string{
	"identity_key", "display_name", "rating", "rating_count", "size_category",
	"tier", "completeness_score", "aliases", "body", "updated_at",
}

var observationColumns = []string{"fingerprint", "identity_key", "source_name", "observed_at", "payload", "ingested_at"}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context) ([]*Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM candidate_identities ORDER BY identity_key`)
	if err != nil {
		return nil, eris.Wrap(err, "identity: load identities")
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "identity: scan identity")
		}
		var id Identity
		if err := json.Unmarshal(body, &id); err != nil {
			return nil, eris.Wrap(err, "identity: unmarshal identity")
		}
		out = append(out, &id)
	}
	return out, eris.Wrap(rows.Err(), "identity: load iterate")
}

// Save implements Store. Identities are upserted in bulk, absorbed ones
// deleted, and the observation appended to the provenance log.
func (s *PostgresStore) Save(ctx context.Context, ch Change) error {
	now := s.now().UTC()

	rows := make([][]any, 0, len(ch.Upserted))
	for _, id := range ch.Upserted {
		aliases, err := json.Marshal(id.Aliases)
		if err != nil {
			return eris.Wrapf(err, "identity: marshal aliases %s", id.Key)
		}
		body, err := json.Marshal(id)
		if err != nil {
			return eris.Wrapf(err, "identity: marshal %s", id.Key)
		}
		var size any
		if id.Size != "" {
			size = string(id.Size)
		}
		rows = append(rows, []any{
			id.Key, id.DisplayName, id.Rating, id.RatingCount, size,
			id.Tier, id.Completeness, string(aliases), string(body), now,
		})
	}
	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "candidate_identities",
		Columns:      identityColumns,
		ConflictKeys: []string{"identity_key"},
	}, rows); err != nil {
		return eris.Wrap(err, "identity: upsert identities")
	}

	if len(ch.Removed) > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM candidate_identities WHERE identity_key = ANY($1)`, ch.Removed,
		); err != nil {
			return eris.Wrap(err, "identity: delete absorbed")
		}
		if _, err := s.pool.Exec(ctx,
			`UPDATE candidate_observations SET identity_key = $1 WHERE identity_key = ANY($2)`,
			ch.IdentityKey, ch.Removed,
		); err != nil {
			return eris.Wrap(err, "identity: relink observations")
		}
	}

	payload, err := json.Marshal(ch.Observation)
	if err != nil {
		return eris.Wrap(err, "identity: marshal observation")
	}
	_, err = db.CopyFrom(ctx, s.pool, "candidate_observations", observationColumns, [][]any{{
		ch.Fingerprint, ch.IdentityKey, ch.Observation.SourceName, ch.Observation.ObservedAt, string(payload), now,
	}})
	return eris.Wrap(err, "identity: append observation")
}
