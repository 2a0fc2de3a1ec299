package dbs

import (
	"context"
	"sync/atomic"
)

// sessionHandle is what callers inside an ambient transaction receive. Every
// handle of a transaction forwards to the same base session. Closing a handle
// only detaches it; the base session lives until transaction completion.
type sessionHandle struct {
	owner  *TransactionContext
	closed atomic.Bool
}

func (h *sessionHandle) live() (*session, error) {
	if h.closed.Load() {
		return nil, ErrClosedHandle
	}
	return h.owner.base, nil
}

// Repository answers even after Close so callers can still identify the handle.
func (h *sessionHandle) Repository() string { return h.owner.base.Repository() }

// Close detaches the handle from its transaction. Closing twice is a no-op.
func (h *sessionHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.owner.remove(h)
	return nil
}

func (h *sessionHandle) IsLive() bool {
	return !h.closed.Load() && h.owner.base.IsLive()
}

// Equal compares handles by identity: two handles over the same base session
// are still distinct.
func (h *sessionHandle) Equal(other Session) bool {
	o, ok := other.(*sessionHandle)
	return ok && o == h
}

func (h *sessionHandle) Begin(context.Context) error    { return h.managed() }
func (h *sessionHandle) Commit(context.Context) error   { return h.managed() }
func (h *sessionHandle) Rollback(context.Context) error { return h.managed() }

func (h *sessionHandle) managed() error {
	if h.closed.Load() {
		return ErrClosedHandle
	}
	return ErrManagedTransaction
}

func (h *sessionHandle) NewID() (string, error) {
	s, err := h.live()
	if err != nil {
		return "", err
	}
	return s.NewID()
}

func (h *sessionHandle) GetDocument(ctx context.Context, id string) (State, error) {
	s, err := h.live()
	if err != nil {
		return nil, err
	}
	return s.GetDocument(ctx, id)
}

func (h *sessionHandle) GetDocuments(ctx context.Context, ids []string) ([]State, error) {
	s, err := h.live()
	if err != nil {
		return nil, err
	}
	return s.GetDocuments(ctx, ids)
}

func (h *sessionHandle) CreateDocument(ctx context.Context, state State) (string, error) {
	s, err := h.live()
	if err != nil {
		return "", err
	}
	return s.CreateDocument(ctx, state)
}

func (h *sessionHandle) UpdateDocument(ctx context.Context, id string, diff StateDiff) error {
	s, err := h.live()
	if err != nil {
		return err
	}
	return s.UpdateDocument(ctx, id, diff)
}

func (h *sessionHandle) RemoveDocuments(ctx context.Context, ids ...string) error {
	s, err := h.live()
	if err != nil {
		return err
	}
	return s.RemoveDocuments(ctx, ids...)
}

func (h *sessionHandle) GetChild(ctx context.Context, parentID, name string) (State, error) {
	s, err := h.live()
	if err != nil {
		return nil, err
	}
	return s.GetChild(ctx, parentID, name)
}

func (h *sessionHandle) HasChild(ctx context.Context, parentID, name string) (bool, error) {
	s, err := h.live()
	if err != nil {
		return false, err
	}
	return s.HasChild(ctx, parentID, name)
}

func (h *sessionHandle) QueryKeyValue(ctx context.Context, key string, value any) ([]State, error) {
	s, err := h.live()
	if err != nil {
		return nil, err
	}
	return s.QueryKeyValue(ctx, key, value)
}

func (h *sessionHandle) QueryKeyValuePresence(ctx context.Context, key string, value any) (bool, error) {
	s, err := h.live()
	if err != nil {
		return false, err
	}
	return s.QueryKeyValuePresence(ctx, key, value)
}
