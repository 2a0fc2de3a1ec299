package dbs

import "context"

// Batch is the set of writes a session flushes at commit. Backends apply it
// atomically.
type Batch struct {
	Creates []State
	Updates []State
	Deletes []string
}

func (b Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0
}

// Backend is the storage underneath a repository. Reads that take an ignored
// set must skip those ids; sessions use it to layer their uncommitted changes
// on top of stored state.
//
// ReadState returns an error wrapping ErrNotFound for unknown ids, ReadStates
// omits them. Apply fails with ErrDuplicateID when a create collides and with
// ErrNotFound when an update targets a missing document; deletes of missing
// ids are ignored.
type Backend interface {
	Name() string
	NewID() string
	ReadState(ctx context.Context, id string) (State, error)
	ReadStates(ctx context.Context, ids []string) ([]State, error)
	ReadChildState(ctx context.Context, parentID, name string, ignored IDSet) (State, error)
	HasChild(ctx context.Context, parentID, name string, ignored IDSet) (bool, error)
	QueryKeyValue(ctx context.Context, key string, value any, ignored IDSet) ([]State, error)
	QueryKeyValuePresence(ctx context.Context, key string, value any, ignored IDSet) (bool, error)
	Apply(ctx context.Context, batch Batch) error
	Close(ctx context.Context) error
}
