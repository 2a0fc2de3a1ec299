package dbs

import (
	"context"
	"fmt"
	"sync"

	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/go-kratos/kratos/v2/log"
)

// TransactionContext binds one base session to one ambient transaction. It
// hands out handles while the transaction runs and, when the transaction
// completes, commits or rolls the base session back, closes it, force-closes
// the outstanding handles and leaves the registry.
type TransactionContext struct {
	key      registryKey
	tx       txmanager.Transaction
	base     *session
	registry *Registry
	helper   *log.Helper
	metrics  *telemetry

	mu        sync.Mutex
	handles   map[*sessionHandle]struct{}
	completed bool
}

func newTransactionContext(key registryKey, tx txmanager.Transaction, base *session, registry *Registry, logger log.Logger, metrics *telemetry) *TransactionContext {
	return &TransactionContext{
		key:      key,
		tx:       tx,
		base:     base,
		registry: registry,
		helper:   log.NewHelper(gclog.WithTransaction(logger, key.txID)),
		metrics:  metrics,
		handles:  make(map[*sessionHandle]struct{}),
	}
}

// TransactionID is the id of the bound transaction.
func (c *TransactionContext) TransactionID() string { return c.key.txID }

// Handles counts outstanding handles.
func (c *TransactionContext) Handles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Completed reports whether completion already ran.
func (c *TransactionContext) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// init begins the base session, subscribes for completion and only then
// enters the registry. On failure nothing is registered and the base session
// is closed.
func (c *TransactionContext) init(ctx context.Context) error {
	if err := c.base.Begin(ctx); err != nil {
		c.abandon()
		return fmt.Errorf("dbs: begin shared session for tx %s: %w", c.key.txID, err)
	}
	if err := c.tx.RegisterSynchronization(c); err != nil {
		c.abandon()
		return fmt.Errorf("%w: tx=%s: %w", ErrRegistration, c.key.txID, err)
	}
	// Completion may already have run on another goroutine.
	c.mu.Lock()
	if !c.completed {
		c.registry.put(c.key, c)
	}
	c.mu.Unlock()
	return nil
}

func (c *TransactionContext) abandon() {
	if err := c.base.Close(); err != nil {
		c.helper.Warnw(log.DefaultMessageKey, "dbs: close abandoned session", gclog.KeyError, err)
	}
}

func (c *TransactionContext) newHandle() (*sessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return nil, fmt.Errorf("%w: tx=%s", ErrTransactionCompleted, c.key.txID)
	}
	h := &sessionHandle{owner: c}
	c.handles[h] = struct{}{}
	return h, nil
}

func (c *TransactionContext) remove(h *sessionHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handles[h]; !ok {
		return false
	}
	delete(c.handles, h)
	return true
}

// BeforeCompletion has nothing to flush: the base session is committed after
// the outcome is known.
func (c *TransactionContext) BeforeCompletion(context.Context) error {
	return nil
}

// AfterCompletion tears the context down. It runs once; a second call is
// reported and ignored.
func (c *TransactionContext) AfterCompletion(ctx context.Context, status txmanager.Status) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		c.helper.Errorw(log.DefaultMessageKey, "dbs: completion delivered twice, ignored",
			gclog.KeyOutcome, OutcomeOf(status).String(), gclog.KeyPhase, phaseDuplicate)
		c.metrics.recordFailure(ctx, phaseDuplicate)
		return
	}
	c.completed = true
	c.mu.Unlock()

	outcome := OutcomeOf(status)
	switch outcome {
	case OutcomeCommitted:
		if err := c.base.Commit(ctx); err != nil {
			c.fail(ctx, phaseCommit, err)
		}
	case OutcomeRolledBack:
		if err := c.base.Rollback(ctx); err != nil {
			c.fail(ctx, phaseRollback, err)
		}
	default:
		c.helper.Errorw(log.DefaultMessageKey, fmt.Sprintf("dbs: unexpected completion status %s", status),
			gclog.KeyOutcome, outcome.String())
	}

	if err := c.base.Close(); err != nil {
		c.fail(ctx, phaseClose, err)
	}
	forced := c.closeHandles()
	c.registry.remove(c.key, c)

	c.metrics.recordCompletion(ctx, outcome, forced)
	c.helper.Debugw(log.DefaultMessageKey, "dbs: shared session completed",
		gclog.KeyOutcome, outcome.String(), "forced_handles", forced)
}

func (c *TransactionContext) fail(ctx context.Context, phase string, err error) {
	c.helper.Errorw(log.DefaultMessageKey, "dbs: "+phase+" shared session failed", gclog.KeyPhase, phase, gclog.KeyError, err)
	c.metrics.recordFailure(ctx, phase)
}

func (c *TransactionContext) closeHandles() int {
	c.mu.Lock()
	handles := make([]*sessionHandle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return len(handles)
}
