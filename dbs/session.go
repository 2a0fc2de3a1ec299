package dbs

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// Session is a unit of work against a repository. Outside a transaction every
// write is applied immediately; between Begin and Commit writes are buffered
// and visible only to the session until Commit flushes them as one batch.
type Session interface {
	Repository() string
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
	IsLive() bool
	Equal(other Session) bool

	NewID() (string, error)
	GetDocument(ctx context.Context, id string) (State, error)
	GetDocuments(ctx context.Context, ids []string) ([]State, error)
	CreateDocument(ctx context.Context, state State) (string, error)
	UpdateDocument(ctx context.Context, id string, diff StateDiff) error
	RemoveDocuments(ctx context.Context, ids ...string) error
	GetChild(ctx context.Context, parentID, name string) (State, error)
	HasChild(ctx context.Context, parentID, name string) (bool, error)
	QueryKeyValue(ctx context.Context, key string, value any) ([]State, error)
	QueryKeyValuePresence(ctx context.Context, key string, value any) (bool, error)
}

// session is the base session a repository creates. It is safe for concurrent
// use; all access is serialized by mu, including backend I/O at commit.
type session struct {
	repository string
	backend    Backend
	helper     *log.Helper

	mu      sync.Mutex
	closed  bool
	inTx    bool
	created map[string]State
	order   []string
	updated map[string]State
	deleted IDSet
}

func newSession(repository string, backend Backend, helper *log.Helper) *session {
	s := &session{repository: repository, backend: backend, helper: helper}
	s.resetLocked()
	return s
}

func (s *session) resetLocked() {
	s.created = make(map[string]State)
	s.order = nil
	s.updated = make(map[string]State)
	s.deleted = make(IDSet)
}

func (s *session) checkLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *session) Repository() string { return s.repository }

func (s *session) Begin(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if s.inTx {
		return ErrTransactionInProgress
	}
	s.resetLocked()
	s.inTx = true
	return nil
}

func (s *session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if !s.inTx {
		return nil
	}
	batch := s.batchLocked()
	s.resetLocked()
	s.inTx = false
	if batch.Empty() {
		return nil
	}
	if err := s.backend.Apply(ctx, batch); err != nil {
		return fmt.Errorf("dbs: commit %d creates, %d updates, %d deletes: %w",
			len(batch.Creates), len(batch.Updates), len(batch.Deletes), err)
	}
	return nil
}

func (s *session) Rollback(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	s.resetLocked()
	s.inTx = false
	return nil
}

// Close discards uncommitted changes. Closing twice is a no-op.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.inTx && s.pendingLocked() {
		s.helper.Warnf("dbs: closing session of repository %s with uncommitted changes", s.repository)
	}
	s.resetLocked()
	s.inTx = false
	s.closed = true
	return nil
}

func (s *session) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *session) Equal(other Session) bool {
	o, ok := other.(*session)
	return ok && o == s
}

func (s *session) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}
	return s.backend.NewID(), nil
}

func (s *session) GetDocument(ctx context.Context, id string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	st, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (s *session) GetDocuments(ctx context.Context, ids []string) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	found := make(map[string]State, len(ids))
	var remote []string
	for _, id := range ids {
		if st, ok := s.transientLocked(id); ok {
			if st != nil {
				found[id] = st
			}
			continue
		}
		remote = append(remote, id)
	}
	if len(remote) > 0 {
		states, err := s.backend.ReadStates(ctx, remote)
		if err != nil {
			return nil, err
		}
		for _, st := range states {
			found[st.ID()] = st
		}
	}

	out := make([]State, 0, len(found))
	for _, id := range ids {
		if st, ok := found[id]; ok {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

// CreateDocument stores state and returns its id, minting one when state has
// none.
func (s *session) CreateDocument(ctx context.Context, state State) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}

	st := state.Clone()
	if st == nil {
		st = State{}
	}
	id := st.ID()
	if id == "" {
		id = s.backend.NewID()
		st[KeyID] = id
	} else if err := s.ensureAbsentLocked(ctx, id); err != nil {
		return "", err
	}

	if !s.inTx {
		return id, s.backend.Apply(ctx, Batch{Creates: []State{st}})
	}
	if s.deleted.Has(id) {
		// The stored row still exists until commit, so the re-create lands as an update.
		delete(s.deleted, id)
		s.updated[id] = st
		return id, nil
	}
	s.created[id] = st
	s.order = append(s.order, id)
	return id, nil
}

func (s *session) ensureAbsentLocked(ctx context.Context, id string) error {
	if st, ok := s.transientLocked(id); ok {
		if st == nil {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	_, err := s.backend.ReadState(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	case IsNotFound(err):
		return nil
	default:
		return err
	}
}

func (s *session) UpdateDocument(ctx context.Context, id string, diff StateDiff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	current, err := s.loadLocked(ctx, id)
	if err != nil {
		return err
	}
	next := current.Apply(diff)
	next[KeyID] = id

	if !s.inTx {
		return s.backend.Apply(ctx, Batch{Updates: []State{next}})
	}
	if _, ok := s.created[id]; ok {
		s.created[id] = next
		return nil
	}
	s.updated[id] = next
	return nil
}

// RemoveDocuments deletes ids. Unknown ids are ignored.
func (s *session) RemoveDocuments(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if !s.inTx {
		return s.backend.Apply(ctx, Batch{Deletes: append([]string(nil), ids...)})
	}
	for _, id := range ids {
		if _, ok := s.created[id]; ok {
			delete(s.created, id)
			s.dropOrderLocked(id)
			continue
		}
		delete(s.updated, id)
		s.deleted.Add(id)
	}
	return nil
}

func (s *session) GetChild(ctx context.Context, parentID, name string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	if st := s.findChildLocked(parentID, name); st != nil {
		return st.Clone(), nil
	}
	return s.backend.ReadChildState(ctx, parentID, name, s.ignoredLocked())
}

func (s *session) HasChild(ctx context.Context, parentID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	if s.findChildLocked(parentID, name) != nil {
		return true, nil
	}
	return s.backend.HasChild(ctx, parentID, name, s.ignoredLocked())
}

// QueryKeyValue returns every document whose key equals value, ordered by id.
func (s *session) QueryKeyValue(ctx context.Context, key string, value any) ([]State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	states, err := s.backend.QueryKeyValue(ctx, key, value, s.ignoredLocked())
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(states))
	for _, st := range states {
		out = append(out, st.Clone())
	}
	s.eachTransientLocked(func(st State) bool {
		if st.Matches(key, value) {
			out = append(out, st.Clone())
		}
		return true
	})
	sortStates(out)
	return out, nil
}

func (s *session) QueryKeyValuePresence(ctx context.Context, key string, value any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	found := false
	s.eachTransientLocked(func(st State) bool {
		found = st.Matches(key, value)
		return !found
	})
	if found {
		return true, nil
	}
	return s.backend.QueryKeyValuePresence(ctx, key, value, s.ignoredLocked())
}

// transientLocked reports the buffered state of id. A nil state with ok set
// means id was removed in this transaction.
func (s *session) transientLocked(id string) (State, bool) {
	if s.deleted.Has(id) {
		return nil, true
	}
	if st, ok := s.created[id]; ok {
		return st, true
	}
	if st, ok := s.updated[id]; ok {
		return st, true
	}
	return nil, false
}

func (s *session) loadLocked(ctx context.Context, id string) (State, error) {
	if st, ok := s.transientLocked(id); ok {
		if st == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return st, nil
	}
	return s.backend.ReadState(ctx, id)
}

func (s *session) findChildLocked(parentID, name string) State {
	var found State
	s.eachTransientLocked(func(st State) bool {
		if st.isChildOf(parentID, name) {
			found = st
			return false
		}
		return true
	})
	return found
}

func (s *session) eachTransientLocked(fn func(State) bool) {
	for _, id := range s.order {
		if !fn(s.created[id]) {
			return
		}
	}
	for _, st := range s.updated {
		if !fn(st) {
			return
		}
	}
}

// ignoredLocked lists stored ids whose backend copy is stale for this session.
func (s *session) ignoredLocked() IDSet {
	ignored := make(IDSet, len(s.deleted)+len(s.updated))
	for id := range s.deleted {
		ignored.Add(id)
	}
	for id := range s.updated {
		ignored.Add(id)
	}
	return ignored
}

func (s *session) pendingLocked() bool {
	return len(s.created) > 0 || len(s.updated) > 0 || len(s.deleted) > 0
}

func (s *session) batchLocked() Batch {
	var b Batch
	for _, id := range s.order {
		b.Creates = append(b.Creates, s.created[id])
	}
	for _, id := range keysOf(s.updated).Sorted() {
		b.Updates = append(b.Updates, s.updated[id])
	}
	b.Deletes = s.deleted.Sorted()
	return b
}

func (s *session) dropOrderLocked(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func keysOf(m map[string]State) IDSet {
	set := make(IDSet, len(m))
	for k := range m {
		set.Add(k)
	}
	return set
}
