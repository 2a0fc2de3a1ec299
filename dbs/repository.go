package dbs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/bionicotaku/lingo-dbs/txmanager"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
)

// TransactionLookup finds the ambient transaction of a context. It returns a
// nil Transaction when there is none. txmanager.Manager satisfies it.
type TransactionLookup interface {
	Current(ctx context.Context) (txmanager.Transaction, error)
}

// Repository hands out sessions over a Backend. Outside an active ambient
// transaction each Session call gets a fresh standalone session. Inside one,
// every call gets a new handle over a single shared session that the
// transaction's completion commits or rolls back.
type Repository struct {
	cfg      Config
	backend  Backend
	lookup   TransactionLookup
	registry *Registry
	logger   log.Logger
	helper   *log.Helper
	metrics  *telemetry
	closed   atomic.Bool
}

// NewRepository builds a repository. lookup may be nil, in which case every
// session is standalone.
func NewRepository(cfg Config, backend Backend, lookup TransactionLookup, registry *Registry, opts ...Option) (*Repository, error) {
	if backend == nil {
		return nil, errors.New("dbs: backend is required")
	}
	if registry == nil {
		return nil, errors.New("dbs: registry is required")
	}
	cfg = cfg.sanitized()
	repoOpts := defaultRepositoryOptions()
	for _, opt := range opts {
		opt(&repoOpts)
	}
	if repoOpts.meter == nil {
		repoOpts.meter = otel.GetMeterProvider().Meter(cfg.MeterName)
	}
	metricsEnabled := cfg.MetricsEnabledValue()
	if repoOpts.metricsEnabledOverride != nil {
		metricsEnabled = *repoOpts.metricsEnabledOverride
	}

	logger := gclog.WithRepository(repoOpts.logger, cfg.Name)
	helper := log.NewHelper(logger)
	r := &Repository{
		cfg:      cfg,
		backend:  backend,
		lookup:   lookup,
		registry: registry,
		logger:   logger,
		helper:   helper,
	}
	r.metrics = newTelemetry(repoOpts.meter, helper, metricsEnabled, cfg.Name, r.ActiveSessionsCount)
	helper.Infow(log.DefaultMessageKey, "dbs: repository ready", gclog.KeyBackend, backend.Name())
	return r, nil
}

func (r *Repository) Name() string   { return r.cfg.Name }
func (r *Repository) RootID() string { return r.cfg.RootID }

// ActiveSessionsCount counts the transactions currently holding a shared session.
func (r *Repository) ActiveSessionsCount() int {
	return r.registry.Count(r.cfg.Name)
}

// Session returns a session for ctx. Failures to read the ambient transaction
// are logged and answered with a standalone session; only failures to set up
// the shared session are returned.
func (r *Repository) Session(ctx context.Context) (Session, error) {
	if r.closed.Load() {
		return nil, ErrRepositoryClosed
	}
	tx := r.ambientTransaction(ctx)
	if tx == nil {
		return r.newSession(), nil
	}

	key := registryKey{repository: r.cfg.Name, txID: tx.ID()}
	txc, err := r.registry.getOrCreate(key, func() (*TransactionContext, error) {
		c := newTransactionContext(key, tx, r.newSession(), r.registry, r.logger, r.metrics)
		if err := c.init(ctx); err != nil {
			return nil, err
		}
		c.helper.Debugw(log.DefaultMessageKey, "dbs: shared session opened", gclog.KeyMode, modeShared)
		return c, nil
	})
	if err != nil {
		r.helper.Errorw(log.DefaultMessageKey, "dbs: acquire shared session failed",
			gclog.KeyTransaction, key.txID, gclog.KeyError, err)
		return nil, err
	}
	h, err := txc.newHandle()
	if err != nil {
		return nil, err
	}
	r.metrics.recordAcquire(ctx, modeShared)
	return h, nil
}

// ambientTransaction returns the active transaction of ctx, or nil when the
// caller should get a standalone session.
func (r *Repository) ambientTransaction(ctx context.Context) txmanager.Transaction {
	if r.lookup == nil {
		r.metrics.recordAcquire(ctx, modeStandalone)
		return nil
	}
	tx, err := r.lookup.Current(ctx)
	if err != nil {
		r.helper.Warnw(log.DefaultMessageKey, "dbs: transaction lookup failed, using standalone session",
			gclog.KeyMode, modeFallback, gclog.KeyError, err)
		r.metrics.recordAcquire(ctx, modeFallback)
		return nil
	}
	if tx == nil {
		r.metrics.recordAcquire(ctx, modeStandalone)
		return nil
	}
	status, err := tx.Status()
	if err != nil {
		r.helper.Warnw(log.DefaultMessageKey, "dbs: transaction status failed, using standalone session",
			gclog.KeyMode, modeFallback, gclog.KeyTransaction, tx.ID(), gclog.KeyError, err)
		r.metrics.recordAcquire(ctx, modeFallback)
		return nil
	}
	if status != txmanager.StatusActive {
		r.metrics.recordAcquire(ctx, modeStandalone)
		return nil
	}
	return tx
}

func (r *Repository) newSession() *session {
	return newSession(r.cfg.Name, r.backend, r.helper)
}

// InitRoot creates the root document when it does not exist yet. Inside an
// ambient transaction the root is written when the transaction commits.
func (r *Repository) InitRoot(ctx context.Context) error {
	s, err := r.Session(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	_, err = s.GetDocument(ctx, r.cfg.RootID)
	switch {
	case err == nil:
		return nil
	case !IsNotFound(err):
		return fmt.Errorf("dbs: read root: %w", err)
	}

	root := State{
		KeyID:          r.cfg.RootID,
		KeyName:        "",
		KeyPrimaryType: RootType,
		KeyACP: []any{
			map[string]any{"user": "administrators", "permission": "Everything", "grant": true},
			map[string]any{"user": "members", "permission": "Read", "grant": true},
		},
	}
	if _, err := s.CreateDocument(ctx, root); err != nil {
		return fmt.Errorf("dbs: create root: %w", err)
	}
	r.helper.Infof("dbs: root document created id=%s", r.cfg.RootID)
	return nil
}

// Close stops handing out sessions. Shared sessions of transactions still in
// flight are finished by their completion. The backend is left open.
func (r *Repository) Close(context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	if n := r.ActiveSessionsCount(); n > 0 {
		r.helper.Warnf("dbs: repository closed with %d transactions in flight", n)
	}
	r.metrics.shutdown()
	return nil
}
