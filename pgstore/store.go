package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store is a dbs.Backend keeping each document as one JSONB row. Batches run in
// a single database transaction.
type Store struct {
	pool    *pgxpool.Pool
	table   string
	helper  *log.Helper
	metrics *storeTelemetry
	clock   func() time.Time
	hooks   []ApplyHook

	closeOnce sync.Once
}

var _ dbs.Backend = (*Store)(nil)

const backendName = "postgres"

func (s *Store) Name() string { return backendName }

func (s *Store) NewID() string { return uuid.NewString() }

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) ReadState(ctx context.Context, id string) (dbs.State, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, "select state from "+s.table+" where id = $1", id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dbs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: read %s: %w", id, err)
	}
	return decodeState(raw)
}

func (s *Store) ReadStates(ctx context.Context, ids []string) ([]dbs.State, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, "select state from "+s.table+" where id = any($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read states: %w", err)
	}
	states, err := collectStates(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]dbs.State, len(states))
	for _, st := range states {
		byID[st.ID()] = st
	}
	out := make([]dbs.State, 0, len(states))
	for _, id := range ids {
		if st, ok := byID[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) ReadChildState(ctx context.Context, parentID, name string, ignored dbs.IDSet) (dbs.State, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"select state from "+s.table+" where parent_id = $1 and name = $2 and not (id = any($3)) order by id limit 1",
		parentID, name, ignoredIDs(ignored)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: child %q of %s", dbs.ErrNotFound, name, parentID)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: read child: %w", err)
	}
	return decodeState(raw)
}

func (s *Store) HasChild(ctx context.Context, parentID, name string, ignored dbs.IDSet) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"select exists(select 1 from "+s.table+" where parent_id = $1 and name = $2 and not (id = any($3)))",
		parentID, name, ignoredIDs(ignored)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: has child: %w", err)
	}
	return exists, nil
}

func (s *Store) QueryKeyValue(ctx context.Context, key string, value any, ignored dbs.IDSet) ([]dbs.State, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode query value: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		"select state from "+s.table+" where state -> $1::text = $2::jsonb and not (id = any($3)) order by id",
		key, string(encoded), ignoredIDs(ignored))
	if err != nil {
		return nil, fmt.Errorf("pgstore: query %s: %w", key, err)
	}
	return collectStates(rows)
}

func (s *Store) QueryKeyValuePresence(ctx context.Context, key string, value any, ignored dbs.IDSet) (bool, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("pgstore: encode query value: %w", err)
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		"select exists(select 1 from "+s.table+" where state -> $1::text = $2::jsonb and not (id = any($3)))",
		key, string(encoded), ignoredIDs(ignored)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: query presence %s: %w", key, err)
	}
	return exists, nil
}

// Apply writes batch in one transaction.
func (s *Store) Apply(ctx context.Context, batch dbs.Batch) error {
	if batch.Empty() {
		return nil
	}
	start := s.clock()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, st := range batch.Creates {
			if err := s.insert(ctx, tx, st); err != nil {
				return err
			}
		}
		for _, st := range batch.Updates {
			if err := s.update(ctx, tx, st); err != nil {
				return err
			}
		}
		if len(batch.Deletes) > 0 {
			if _, err := tx.Exec(ctx, "delete from "+s.table+" where id = any($1)", batch.Deletes); err != nil {
				return fmt.Errorf("pgstore: delete: %w", err)
			}
		}
		for _, hook := range s.hooks {
			if err := hook(ctx, tx, batch); err != nil {
				return fmt.Errorf("pgstore: apply hook: %w", err)
			}
		}
		return nil
	})
	writes := len(batch.Creates) + len(batch.Updates) + len(batch.Deletes)
	s.metrics.recordApply(ctx, s.clock().Sub(start), writes, err)
	return err
}

func (s *Store) insert(ctx context.Context, tx pgx.Tx, st dbs.State) error {
	id := st.ID()
	if id == "" {
		return errors.New("pgstore: create without id")
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", id, err)
	}
	_, err = tx.Exec(ctx,
		"insert into "+s.table+" (id, parent_id, name, state) values ($1, $2, $3, $4)",
		id, nullable(st.ParentID()), st.Name(), string(raw))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", dbs.ErrDuplicateID, id)
	}
	if err != nil {
		return fmt.Errorf("pgstore: insert %s: %w", id, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, tx pgx.Tx, st dbs.State) error {
	id := st.ID()
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", id, err)
	}
	tag, err := tx.Exec(ctx,
		"update "+s.table+" set parent_id = $2, name = $3, state = $4, updated_at = now() where id = $1",
		id, nullable(st.ParentID()), st.Name(), string(raw))
	if err != nil {
		return fmt.Errorf("pgstore: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", dbs.ErrNotFound, id)
	}
	return nil
}

// Close closes the pool. Closing twice is a no-op.
func (s *Store) Close(context.Context) error {
	s.closeOnce.Do(func() {
		s.helper.Info("closing pgx pool")
		s.metrics.shutdown()
		s.pool.Close()
	})
	return nil
}

func collectStates(rows pgx.Rows) ([]dbs.State, error) {
	raws, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan states: %w", err)
	}
	out := make([]dbs.State, 0, len(raws))
	for _, raw := range raws {
		st, err := decodeState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func decodeState(raw []byte) (dbs.State, error) {
	var st dbs.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("pgstore: decode state: %w", err)
	}
	return st, nil
}

func ignoredIDs(ignored dbs.IDSet) []string {
	return ignored.Sorted()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
