package txmanager

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Synchronization receives completion callbacks for a transaction it was
// registered with. BeforeCompletion runs only on the commit path and may veto
// the commit by returning an error; AfterCompletion runs exactly once with the
// final status.
type Synchronization interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(ctx context.Context, status Status)
}

// Transaction is the ambient unit of work visible to resources. Identity is
// the value returned by ID.
type Transaction interface {
	ID() string
	Status() (Status, error)
	RegisterSynchronization(sync Synchronization) error
	SetRollbackOnly() error
}

type transaction struct {
	id       string
	method   string
	started  time.Time
	deadline time.Time

	mu     sync.Mutex
	status Status
	syncs  []Synchronization
}

func newTransaction(id, method string, started time.Time, timeout time.Duration) *transaction {
	tx := &transaction{
		id:      id,
		method:  method,
		started: started,
		status:  StatusActive,
	}
	if timeout > 0 {
		tx.deadline = started.Add(timeout)
	}
	return tx
}

func (t *transaction) ID() string {
	return t.id
}

func (t *transaction) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

func (t *transaction) RegisterSynchronization(sync Synchronization) error {
	if sync == nil {
		return fmt.Errorf("txmanager: nil synchronization for tx %s", t.id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return fmt.Errorf("%w: tx=%s status=%s", ErrTxNotActive, t.id, t.status)
	}
	t.syncs = append(t.syncs, sync)
	return nil
}

func (t *transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive, StatusMarkedRollback:
		t.status = StatusMarkedRollback
		return nil
	default:
		return fmt.Errorf("%w: tx=%s status=%s", ErrTxNotActive, t.id, t.status)
	}
}

// startCompletion moves the transaction into its completing state and hands
// back a snapshot of the registered synchronizations. It fails when another
// completion already started.
func (t *transaction) startCompletion(commit bool) (syncs []Synchronization, markedRollback bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusActive, StatusMarkedRollback:
	default:
		return nil, false, fmt.Errorf("%w: tx=%s status=%s", ErrTxNotActive, t.id, t.status)
	}
	markedRollback = t.status == StatusMarkedRollback
	if commit && !markedRollback {
		t.status = StatusCommitting
	} else {
		t.status = StatusRollingBack
	}
	syncs = make([]Synchronization, len(t.syncs))
	copy(syncs, t.syncs)
	return syncs, markedRollback, nil
}

func (t *transaction) setStatus(status Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

func (t *transaction) expired(now time.Time) bool {
	return !t.deadline.IsZero() && now.After(t.deadline)
}
