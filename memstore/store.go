// Package memstore is an in-memory dbs.Backend. Documents live in an ordered
// btree keyed by id; a batch is applied to a copy-on-write clone of the tree
// and swapped in only when every write succeeds.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

const defaultName = "mem"

// Config names the store.
type Config struct {
	Name string
}

// Store keeps documents in memory. Stored states are cloned on the way in and
// out.
type Store struct {
	name   string
	helper *log.Helper

	mu     sync.RWMutex
	docs   *btree.Map[string, dbs.State]
	closed bool
}

var _ dbs.Backend = (*Store)(nil)

// New creates an empty store.
func New(cfg Config, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = defaultName
	}
	return &Store{
		name:   name,
		helper: log.NewHelper(gclog.WithBackend(logger, name)),
		docs:   new(btree.Map[string, dbs.State]),
	}
}

var errClosed = errors.New("memstore: store is closed")

func (s *Store) Name() string { return s.name }

func (s *Store) NewID() string { return uuid.NewString() }

// Len counts stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs.Len()
}

func (s *Store) ReadState(_ context.Context, id string) (dbs.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	st, ok := s.docs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dbs.ErrNotFound, id)
	}
	return st.Clone(), nil
}

func (s *Store) ReadStates(_ context.Context, ids []string) ([]dbs.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	out := make([]dbs.State, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.docs.Get(id); ok {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (s *Store) ReadChildState(_ context.Context, parentID, name string, ignored dbs.IDSet) (dbs.State, error) {
	st, err := s.first(func(st dbs.State) bool {
		return st.ParentID() == parentID && st.Name() == name
	}, ignored)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: child %q of %s", dbs.ErrNotFound, name, parentID)
	}
	return st, nil
}

func (s *Store) HasChild(_ context.Context, parentID, name string, ignored dbs.IDSet) (bool, error) {
	st, err := s.first(func(st dbs.State) bool {
		return st.ParentID() == parentID && st.Name() == name
	}, ignored)
	return st != nil, err
}

func (s *Store) QueryKeyValue(_ context.Context, key string, value any, ignored dbs.IDSet) ([]dbs.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var out []dbs.State
	s.docs.Scan(func(id string, st dbs.State) bool {
		if !ignored.Has(id) && st.Matches(key, value) {
			out = append(out, st.Clone())
		}
		return true
	})
	return out, nil
}

func (s *Store) QueryKeyValuePresence(_ context.Context, key string, value any, ignored dbs.IDSet) (bool, error) {
	st, err := s.first(func(st dbs.State) bool { return st.Matches(key, value) }, ignored)
	return st != nil, err
}

func (s *Store) first(match func(dbs.State) bool, ignored dbs.IDSet) (dbs.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	var found dbs.State
	s.docs.Scan(func(id string, st dbs.State) bool {
		if ignored.Has(id) || !match(st) {
			return true
		}
		found = st.Clone()
		return false
	})
	return found, nil
}

// Apply writes batch atomically: on error the store is left untouched.
func (s *Store) Apply(_ context.Context, batch dbs.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	next := s.docs.Copy()
	for _, st := range batch.Creates {
		id := st.ID()
		if id == "" {
			return errors.New("memstore: create without id")
		}
		if _, ok := next.Get(id); ok {
			return fmt.Errorf("%w: %s", dbs.ErrDuplicateID, id)
		}
		next.Set(id, st.Clone())
	}
	for _, st := range batch.Updates {
		id := st.ID()
		if _, ok := next.Get(id); !ok {
			return fmt.Errorf("%w: %s", dbs.ErrNotFound, id)
		}
		next.Set(id, st.Clone())
	}
	for _, id := range batch.Deletes {
		next.Delete(id)
	}
	s.docs = next
	s.helper.Debugf("memstore: applied creates=%d updates=%d deletes=%d",
		len(batch.Creates), len(batch.Updates), len(batch.Deletes))
	return nil
}

// Close drops every document. Closing twice is a no-op.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.docs = new(btree.Map[string, dbs.State])
	return nil
}
