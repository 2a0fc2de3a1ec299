package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Inbox remembers which change events a listener has handled, so Pub/Sub
// redeliveries reach the handler at most once after a success.
type Inbox interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, source string, at time.Time) error
	RecordFailure(ctx context.Context, eventID, source, cause string) error
}

// InboxStore is the Postgres inbox.
type InboxStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ Inbox = (*InboxStore)(nil)

// NewInboxStore binds the inbox table named by cfg to pool.
func NewInboxStore(pool *pgxpool.Pool, cfg Config) *InboxStore {
	n := cfg.Normalize()
	return &InboxStore{pool: pool, table: pgx.Identifier{n.Schema, n.InboxTable}.Sanitize()}
}

func (s *InboxStore) Processed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx,
		"select processed_at is not null from "+s.table+" where event_id = $1", eventID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("changefeed: inbox lookup %s: %w", eventID, err)
	}
	return processed, nil
}

func (s *InboxStore) MarkProcessed(ctx context.Context, eventID, source string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`insert into `+s.table+` (event_id, source, received_at, processed_at) values ($1, $2, $3, $3)
		on conflict (event_id) do update set processed_at = excluded.processed_at, last_error = null`,
		eventID, source, at)
	if err != nil {
		return fmt.Errorf("changefeed: inbox mark %s: %w", eventID, err)
	}
	return nil
}

func (s *InboxStore) RecordFailure(ctx context.Context, eventID, source, cause string) error {
	_, err := s.pool.Exec(ctx,
		`insert into `+s.table+` (event_id, source, received_at, attempts, last_error) values ($1, $2, now(), 1, $3)
		on conflict (event_id) do update set attempts = `+s.table+`.attempts + 1, last_error = excluded.last_error`,
		eventID, source, cause)
	if err != nil {
		return fmt.Errorf("changefeed: inbox failure %s: %w", eventID, err)
	}
	return nil
}

// EnsureInboxSchema creates the inbox table.
func EnsureInboxSchema(ctx context.Context, pool *pgxpool.Pool, cfg Config) error {
	n := cfg.Normalize()
	stmts := []string{
		"create schema if not exists " + pgx.Identifier{n.Schema}.Sanitize(),
		`create table if not exists ` + pgx.Identifier{n.Schema, n.InboxTable}.Sanitize() + ` (
			event_id     text primary key,
			source       text not null,
			received_at  timestamptz not null,
			processed_at timestamptz,
			attempts     integer not null default 0,
			last_error   text
		)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("changefeed: ensure inbox schema: %w", err)
		}
	}
	return nil
}
