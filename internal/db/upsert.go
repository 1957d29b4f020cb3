package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a staged merge into a table keyed by a unique
// constraint.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols are overwritten on conflict. Nil means every non-key column;
	// an empty non-nil slice leaves existing rows untouched.
	UpdateCols []string
}

// BulkUpsert copies rows into a transaction-scoped staging table and merges
// them into the target with INSERT ... ON CONFLICT. Rows sharing a conflict
// key collapse to the last one, since Postgres rejects a merge that touches
// the same row twice.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}
	keyIdx := make([]int, len(cfg.ConflictKeys))
	for i, k := range cfg.ConflictKeys {
		keyIdx[i] = slices.Index(cfg.Columns, k)
		if keyIdx[i] < 0 {
			return 0, eris.Errorf("db: upsert: conflict key %s is not a column of %s", k, cfg.Table)
		}
	}
	rows = lastPerKey(rows, keyIdx)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := stagingTable(cfg.Table)
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(), sanitizeTable(cfg.Table),
	)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := CopyFrom(ctx, tx, stage, cfg.Columns, rows); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

func mergeSQL(cfg UpsertConfig, stage string) string {
	cols := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if set := updateClauses(cfg); len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table), cols, cols, pgx.Identifier{stage}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys), action)
}

func updateClauses(cfg UpsertConfig) []string {
	cols := cfg.UpdateCols
	if cols == nil {
		for _, c := range cfg.Columns {
			if !slices.Contains(cfg.ConflictKeys, c) {
				cols = append(cols, c)
			}
		}
	}
	out := make([]string, len(cols))
	for i, c := range cols {
		q := pgx.Identifier{c}.Sanitize()
		out[i] = q + " = EXCLUDED." + q
	}
	return out
}

// lastPerKey drops every row whose conflict key reappears later, keeping
// input order otherwise.
func lastPerKey(rows [][]any, keyIdx []int) [][]any {
	last := make(map[string]int, len(rows))
	keys := make([]string, len(rows))
	for i, r := range rows {
		parts := make([]string, len(keyIdx))
		for j, k := range keyIdx {
			parts[j] = fmt.Sprint(r[k])
		}
		keys[i] = strings.Join(parts, "\x00")
		last[keys[i]] = i
	}
	if len(last) == len(rows) {
		return rows
	}
	out := make([][]any, 0, len(last))
	for i, r := range rows {
		if last[keys[i]] == i {
			out = append(out, r)
		}
	}
	return out
}

func stagingTable(table string) string {
	return "_stage_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable quotes a table name, keeping a schema qualifier if present.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
