package changefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one outbox row as claimed by a relay.
type Event struct {
	EventID          string    `db:"event_id"`
	Source           string    `db:"source"`
	EventType        string    `db:"event_type"`
	Payload          []byte    `db:"payload"`
	OccurredAt       time.Time `db:"occurred_at"`
	AvailableAt      time.Time `db:"available_at"`
	DeliveryAttempts int32     `db:"delivery_attempts"`
	LockToken        string    `db:"lock_token"`
}

// Recorder writes change events into the outbox. Its Record method has the
// shape of a pgstore apply hook, so events commit or roll back together with
// the documents they describe.
type Recorder struct {
	table  string
	source string
	clock  func() time.Time
}

// NewRecorder builds a recorder for the table named by cfg.
func NewRecorder(cfg Config) *Recorder {
	n := cfg.Normalize()
	return &Recorder{
		table:  pgx.Identifier{n.Schema, n.Table}.Sanitize(),
		source: n.Source,
		clock:  time.Now,
	}
}

// Record inserts one event describing batch. Empty batches are skipped.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, batch dbs.Batch) error {
	if batch.Empty() {
		return nil
	}
	evt := NewChangeEvent(r.source, batch, r.clock())
	evt.EventID = uuid.NewString()
	payload, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("changefeed: encode event: %w", err)
	}
	_, err = tx.Exec(ctx,
		"insert into "+r.table+" (event_id, source, event_type, payload, occurred_at, available_at) values ($1, $2, $3, $4, $5, $5)",
		evt.EventID, evt.Source, EventTypeDocumentsChanged, string(payload), evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("changefeed: insert outbox event: %w", err)
	}
	return nil
}

// OutboxStore reads and updates outbox rows on behalf of a relay.
type OutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ EventStore = (*OutboxStore)(nil)

// NewOutboxStore binds the outbox table named by cfg to pool.
func NewOutboxStore(pool *pgxpool.Pool, cfg Config) *OutboxStore {
	n := cfg.Normalize()
	return &OutboxStore{pool: pool, table: pgx.Identifier{n.Schema, n.Table}.Sanitize()}
}

// ClaimPending locks up to limit unpublished events that are due, skipping
// rows another relay holds unless their lock is older than staleBefore.
func (s *OutboxStore) ClaimPending(ctx context.Context, availableBefore, staleBefore time.Time, limit int, lockToken string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		with due as (
			select event_id from `+s.table+`
			where published_at is null
			  and available_at <= $1
			  and (lock_token is null or locked_at < $2)
			order by available_at, occurred_at
			limit $3
			for update skip locked
		)
		update `+s.table+` o
		set lock_token = $4, locked_at = now()
		from due
		where o.event_id = due.event_id
		returning o.event_id, o.source, o.event_type, o.payload, o.occurred_at, o.available_at, o.delivery_attempts, o.lock_token`,
		availableBefore, staleBefore, limit, lockToken)
	if err != nil {
		return nil, fmt.Errorf("changefeed: claim events: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByName[Event])
	if err != nil {
		return nil, fmt.Errorf("changefeed: scan events: %w", err)
	}
	return events, nil
}

// MarkPublished records a successful publish for an event still held by
// lockToken.
func (s *OutboxStore) MarkPublished(ctx context.Context, eventID, lockToken string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		"update "+s.table+" set published_at = $3, lock_token = null, locked_at = null where event_id = $1 and lock_token = $2",
		eventID, lockToken, at)
	if err != nil {
		return fmt.Errorf("changefeed: mark published %s: %w", eventID, err)
	}
	return nil
}

// Reschedule releases the lock, counts the attempt and delays the event.
func (s *OutboxStore) Reschedule(ctx context.Context, eventID, lockToken string, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`update `+s.table+`
		set delivery_attempts = delivery_attempts + 1, last_error = $3, available_at = $4, lock_token = null, locked_at = null
		where event_id = $1 and lock_token = $2`,
		eventID, lockToken, lastErr, next)
	if err != nil {
		return fmt.Errorf("changefeed: reschedule %s: %w", eventID, err)
	}
	return nil
}

// CountPending returns the number of unpublished events.
func (s *OutboxStore) CountPending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "select count(*) from "+s.table+" where published_at is null").Scan(&n); err != nil {
		return 0, fmt.Errorf("changefeed: count pending: %w", err)
	}
	return n, nil
}

// EnsureSchema creates the outbox table and its pending-event index.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, cfg Config) error {
	n := cfg.Normalize()
	qualified := pgx.Identifier{n.Schema, n.Table}.Sanitize()
	index := pgx.Identifier{n.Table + "_pending_idx"}.Sanitize()
	stmts := []string{
		"create schema if not exists " + pgx.Identifier{n.Schema}.Sanitize(),
		`create table if not exists ` + qualified + ` (
			event_id          text primary key,
			source            text not null,
			event_type        text not null,
			payload           jsonb not null,
			occurred_at       timestamptz not null,
			available_at      timestamptz not null,
			published_at      timestamptz,
			delivery_attempts integer not null default 0,
			last_error        text,
			lock_token        text,
			locked_at         timestamptz
		)`,
		"create index if not exists " + index + " on " + qualified + " (available_at) where published_at is null",
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("changefeed: ensure schema: %w", err)
			}
		}
		return nil
	})
}
