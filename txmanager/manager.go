package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bionicotaku/lingo-dbs/gclog"
	"github.com/cenkalti/backoff/v5"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns the ambient transactions of a process. Transactions are carried
// by context.Context; resources discover them through Current and hook their
// own cleanup in with Transaction.RegisterSynchronization.
type Manager interface {
	Begin(ctx context.Context, opts TxOptions) (context.Context, Transaction, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Current(ctx context.Context) (Transaction, error)
	WithinTx(ctx context.Context, opts TxOptions, fn func(context.Context) error) error
}

type managerImpl struct {
	cfg      Config
	defaults TxOptions
	opts     managerOptions
	metrics  *telemetry
	helper   *log.Helper
	tracer   trace.Tracer
}

// NewManager constructs a transaction manager.
func NewManager(cfg Config, options ...Option) Manager {
	cfg = cfg.sanitized()
	mgrOpts := defaultManagerOptions()
	for _, opt := range options {
		opt(&mgrOpts)
	}

	if mgrOpts.meter == nil {
		mgrOpts.meter = otel.GetMeterProvider().Meter(cfg.MeterName)
	}
	if mgrOpts.tracer == nil {
		mgrOpts.tracer = otel.Tracer(cfg.MeterName)
	}

	helper := log.NewHelper(mgrOpts.logger)

	metricsEnabled := cfg.MetricsEnabledValue()
	if mgrOpts.metricsEnabledOverride != nil {
		metricsEnabled = *mgrOpts.metricsEnabledOverride
	}

	return &managerImpl{
		cfg:      cfg,
		defaults: cfg.DefaultTxOptions(),
		opts:     mgrOpts,
		metrics:  newTelemetry(mgrOpts.meter, helper, metricsEnabled),
		helper:   helper,
		tracer:   mgrOpts.tracer,
	}
}

func (m *managerImpl) Begin(ctx context.Context, override TxOptions) (context.Context, Transaction, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := FromContext(ctx); existing != nil {
		if status, err := existing.Status(); err == nil && !status.Finished() {
			return ctx, nil, fmt.Errorf("%w: tx=%s status=%s", ErrNestedTransaction, existing.ID(), status)
		}
	}

	opts := mergeTxOptions(m.defaults, override)
	method := opts.TraceName
	if method == "" {
		method = "begin"
	}
	tx := newTransaction(m.opts.idGenerator(), method, m.opts.clock(), opts.Timeout)
	m.metrics.recordBegin(ctx, method)
	m.txLog(tx.id, method).Debugf("txmanager: begin timeout=%s", opts.Timeout)
	return WithTransaction(ctx, tx), tx, nil
}

// txLog labels entries with the transaction id and method.
func (m *managerImpl) txLog(id, method string) *log.Helper {
	return log.NewHelper(log.With(gclog.WithTransaction(m.opts.logger, id), gclog.KeyMethod, method))
}

func (m *managerImpl) Commit(ctx context.Context) error {
	tx, ok := FromContext(ctx).(*transaction)
	if !ok {
		return ErrNoTransaction
	}
	return m.complete(ctx, tx, true)
}

func (m *managerImpl) Rollback(ctx context.Context) error {
	tx, ok := FromContext(ctx).(*transaction)
	if !ok {
		return ErrNoTransaction
	}
	return m.complete(ctx, tx, false)
}

func (m *managerImpl) Current(ctx context.Context) (Transaction, error) {
	return FromContext(ctx), nil
}

// complete drives a transaction to its final status. Synchronizations see
// AfterCompletion exactly once because startCompletion refuses a second entry.
func (m *managerImpl) complete(ctx context.Context, tx *transaction, commit bool) error {
	syncs, marked, err := tx.startCompletion(commit)
	if err != nil {
		return err
	}

	final := StatusRolledBack
	var cause error
	if commit {
		switch {
		case marked:
			cause = fmt.Errorf("%w: tx=%s marked rollback only", ErrRolledBack, tx.id)
		case tx.expired(m.opts.clock()):
			cause = fmt.Errorf("%w: tx=%s deadline=%s", ErrTxTimeout, tx.id, tx.deadline.Format(time.RFC3339Nano))
		default:
			cause = m.beforeCompletion(ctx, tx, syncs)
			if cause == nil {
				final = StatusCommitted
			}
		}
	}

	tx.setStatus(final)
	for _, sync := range syncs {
		m.afterCompletion(ctx, tx, sync, final)
	}

	m.metrics.recordEnd(ctx, tx.method, final, cause, m.elapsedSince(tx.started))
	if cause != nil {
		m.txLog(tx.id, tx.method).Warnw(log.DefaultMessageKey, "txmanager: commit turned into rollback",
			gclog.KeyOutcome, final.String(), gclog.KeyError, cause)
	} else {
		m.txLog(tx.id, tx.method).Debugw(log.DefaultMessageKey, "txmanager: completed",
			gclog.KeyOutcome, final.String(), "synchronizations", len(syncs))
	}
	return cause
}

func (m *managerImpl) beforeCompletion(ctx context.Context, tx *transaction, syncs []Synchronization) (err error) {
	for _, sync := range syncs {
		if err = m.safeBefore(ctx, sync); err != nil {
			m.metrics.recordSyncFault(ctx, "before_completion")
			return fmt.Errorf("%w: tx=%s before completion: %w", ErrRolledBack, tx.id, err)
		}
	}
	return nil
}

func (m *managerImpl) safeBefore(ctx context.Context, sync Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("txmanager: synchronization panic: %v", r)
		}
	}()
	return sync.BeforeCompletion(ctx)
}

func (m *managerImpl) afterCompletion(ctx context.Context, tx *transaction, sync Synchronization, status Status) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.recordSyncFault(ctx, "after_completion")
			m.txLog(tx.id, tx.method).Errorf("txmanager: afterCompletion panic status=%s panic=%v", status, r)
		}
	}()
	sync.AfterCompletion(ctx, status)
}

func (m *managerImpl) WithinTx(ctx context.Context, override TxOptions, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := mergeTxOptions(m.defaults, override)

	seq := backoff.NewExponentialBackOff()
	seq.InitialInterval = m.cfg.RetryInitialInterval
	seq.MaxInterval = m.cfg.RetryMaxInterval
	seq.Multiplier = backoff.DefaultMultiplier
	seq.RandomizationFactor = backoff.DefaultRandomizationFactor
	seq.Reset()

	for attempt := 0; ; attempt++ {
		err := m.exec(ctx, opts, fn)
		if err == nil || !IsRetryable(err) || attempt >= opts.MaxRetries {
			return err
		}
		delay := seq.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		m.metrics.recordRetry(ctx, methodName(opts))
		m.helper.Warnf("txmanager: retrying attempt=%d delay=%s err=%v", attempt+1, delay, err)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return errors.Join(err, fmt.Errorf("txmanager: retry aborted: %w", waitErr))
		}
	}
}

func (m *managerImpl) exec(ctx context.Context, opts TxOptions, fn func(context.Context) error) (err error) {
	ctx, cancel := applyTimeout(ctx, opts.Timeout)
	defer cancel()

	method := methodName(opts)
	spanName := opts.TraceName
	if spanName == "" {
		spanName = "dbs.tx." + method
	}
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	opts.TraceName = method
	txCtx, tx, err := m.Begin(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin")
		m.helper.Errorf("txmanager: begin failed method=%s err=%v", method, err)
		return err
	}
	span.SetAttributes(attribute.String("tx.id", tx.ID()), attribute.String("tx.method", method))

	completed := false
	defer func() {
		if r := recover(); r != nil {
			if !completed {
				if rbErr := m.Rollback(txCtx); rbErr != nil {
					m.txLog(tx.ID(), method).Warnf("txmanager: rollback after panic failed: %v", rbErr)
				}
			}
			panicErr := fmt.Errorf("txmanager: panic recovered: %v", r)
			span.RecordError(panicErr)
			span.SetStatus(codes.Error, "panic")
			m.txLog(tx.ID(), method).Errorf("txmanager: %v", panicErr)
			panic(r)
		}
	}()

	err = fn(txCtx)
	if err != nil {
		completed = true
		if rbErr := m.Rollback(txCtx); rbErr != nil && !errors.Is(rbErr, ErrTxNotActive) {
			m.txLog(tx.ID(), method).Warnf("txmanager: rollback failed: %v", rbErr)
		}
		retryable, sqlState := classifyPgError(err)
		if retryable {
			err = wrapRetryable(err)
		}
		if sqlState != "" {
			span.SetAttributes(attribute.String("db.sql_state", sqlState))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "exec")
		m.txLog(tx.ID(), method).Warnf("txmanager: fn error retryable=%t err=%v", retryable, err)
		return err
	}

	completed = true
	if commitErr := m.Commit(txCtx); commitErr != nil {
		retryable, sqlState := classifyPgError(commitErr)
		if retryable {
			commitErr = wrapRetryable(commitErr)
		}
		if sqlState != "" {
			span.SetAttributes(attribute.String("db.sql_state", sqlState))
		}
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit")
		err = fmt.Errorf("commit: %w", commitErr)
		m.txLog(tx.ID(), method).Errorf("txmanager: commit failed retryable=%t err=%v", retryable, err)
		return err
	}

	span.SetStatus(codes.Ok, "committed")
	return nil
}

func methodName(opts TxOptions) string {
	if opts.TraceName != "" {
		return opts.TraceName
	}
	return "within_tx"
}

func applyTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= timeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *managerImpl) elapsedSince(start time.Time) time.Duration {
	return m.opts.clock().Sub(start)
}
