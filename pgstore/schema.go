package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ensureSchema creates the document table and its child lookup index.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool, schema, table string) error {
	qualified := pgx.Identifier{schema, table}.Sanitize()
	index := pgx.Identifier{table + "_parent_name_idx"}.Sanitize()
	stmts := []string{
		"create schema if not exists " + pgx.Identifier{schema}.Sanitize(),
		`create table if not exists ` + qualified + ` (
			id         text primary key,
			parent_id  text,
			name       text not null default '',
			state      jsonb not null,
			updated_at timestamptz not null default now()
		)`,
		"create index if not exists " + index + " on " + qualified + " (parent_id, name)",
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("pgstore: ensure schema: %w", err)
			}
		}
		return nil
	})
}
