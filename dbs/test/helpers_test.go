package dbs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bionicotaku/lingo-dbs/dbs"
	"github.com/bionicotaku/lingo-dbs/memstore"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/stretchr/testify/require"
)

// countingBackend counts the batches that reach storage.
type countingBackend struct {
	*memstore.Store
	applies atomic.Int32
}

func newCountingBackend() *countingBackend {
	return &countingBackend{Store: memstore.New(memstore.Config{}, nil)}
}

func (b *countingBackend) Apply(ctx context.Context, batch dbs.Batch) error {
	b.applies.Add(1)
	return b.Store.Apply(ctx, batch)
}

// failingBackend counts batches and refuses every one of them.
type failingBackend struct {
	*countingBackend
	err error
}

func (b *failingBackend) Apply(_ context.Context, _ dbs.Batch) error {
	b.applies.Add(1)
	return b.err
}

func newManager() txmanager.Manager {
	return txmanager.NewManager(txmanager.Config{}, txmanager.WithMetricsEnabled(false))
}

func newRepository(t *testing.T, backend dbs.Backend, lookup dbs.TransactionLookup, opts ...dbs.Option) (*dbs.Repository, *dbs.Registry) {
	t.Helper()
	registry := dbs.NewRegistry()
	repo, err := dbs.NewRepository(dbs.Config{Name: "test"}, backend, lookup, registry,
		append([]dbs.Option{dbs.WithMetricsEnabled(false)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	return repo, registry
}

// fakeTx is a transaction whose completion the test drives by hand.
type fakeTx struct {
	id          string
	status      txmanager.Status
	statusErr   error
	registerErr error
	// onRegister runs after a synchronization is added.
	onRegister func(txmanager.Synchronization)

	mu    sync.Mutex
	syncs []txmanager.Synchronization
}

func (f *fakeTx) ID() string { return f.id }

func (f *fakeTx) Status() (txmanager.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeTx) RegisterSynchronization(s txmanager.Synchronization) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.mu.Lock()
	f.syncs = append(f.syncs, s)
	f.mu.Unlock()
	if f.onRegister != nil {
		f.onRegister(s)
	}
	return nil
}

func (f *fakeTx) synchronizations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.syncs)
}

func (f *fakeTx) SetRollbackOnly() error { return nil }

func (f *fakeTx) complete(ctx context.Context, status txmanager.Status) {
	f.mu.Lock()
	syncs := append([]txmanager.Synchronization(nil), f.syncs...)
	f.mu.Unlock()
	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}
}

// fakeLookup answers Current with a fixed transaction or error.
type fakeLookup struct {
	tx    txmanager.Transaction
	err   error
	calls atomic.Int32
}

func (f *fakeLookup) Current(context.Context) (txmanager.Transaction, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.tx, nil
}

var errLookup = errors.New("transaction manager unavailable")
