package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := NewPostgresStore(mock)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func expectUpsert(mock pgxmock.PgxPoolIface, n int64) {
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_candidate_identities"}, identityColumns).WillReturnResult(n)
	mock.ExpectExec(`INSERT INTO "candidate_identities"`).WillReturnResult(pgxmock.NewResult("INSERT", n))
	mock.ExpectCommit()
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS candidate_identities").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCreated(t *testing.T) {
	s, mock := newMockStore(t)
	obs := greenThumb("maps", "", "512-555-0100", 1)
	id := &Identity{Key: "np:green thumb landscaping|5125550100", Aliases: []string{"np:green thumb landscaping|5125550100"}, Observations: []Observation{obs}}

	expectUpsert(mock, 1)
	mock.ExpectCopyFrom(pgx.Identifier{"candidate_observations"}, observationColumns).WillReturnResult(1)

	err := s.Save(context.Background(), Change{
		Upserted:    []*Identity{id},
		Observation: obs,
		Fingerprint: obs.Fingerprint(),
		IdentityKey: id.Key,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAbsorbed(t *testing.T) {
	s, mock := newMockStore(t)
	obs := greenThumb("registry", "TX-4411", "512-555-0100", 2)
	absorbed := []string{"np:green thumb landscaping|5125550100"}

	expectUpsert(mock, 1)
	mock.ExpectExec(`DELETE FROM candidate_identities WHERE identity_key = ANY\(\$1\)`).
		WithArgs(absorbed).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`UPDATE candidate_observations SET identity_key = \$1`).
		WithArgs("ext:tx-4411", absorbed).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"candidate_observations"}, observationColumns).WillReturnResult(1)

	err := s.Save(context.Background(), Change{
		Upserted:    []*Identity{{Key: "ext:tx-4411", Aliases: append([]string{"ext:tx-4411"}, absorbed...)}},
		Removed:     absorbed,
		Observation: obs,
		Fingerprint: obs.Fingerprint(),
		IdentityKey: "ext:tx-4411",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveUpsertError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := s.Save(context.Background(), Change{Upserted: []*Identity{{Key: "ext:a"}}, IdentityKey: "ext:a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity: upsert identities")
}

func TestPostgresStore_Load(t *testing.T) {
	s, mock := newMockStore(t)
	want := &Identity{
		Key:          "ext:tx-4411",
		Aliases:      []string{"ext:tx-4411"},
		Observations: []Observation{greenThumb("registry", "TX-4411", "", 1)},
		Sources:      []string{"registry"},
		DisplayName:  "Green Thumb Landscaping",
		Tier:         2,
	}
	body, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT body FROM candidate_identities`).
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT body`).WillReturnError(errors.New("timeout"))

	_, err := s.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity: load identities")
}
