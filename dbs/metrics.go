package dbs

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Session acquisition modes.
const (
	modeStandalone = "standalone"
	modeShared     = "shared"
	modeFallback   = "fallback"
)

// Completion phases reported on failure.
const (
	phaseCommit    = "commit"
	phaseRollback  = "rollback"
	phaseClose     = "close"
	phaseDuplicate = "duplicate"
)

type telemetry struct {
	enabled bool
	repo    attribute.KeyValue

	acquired     metric.Int64Counter
	completions  metric.Int64Counter
	forcedCloses metric.Int64Counter
	failures     metric.Int64Counter
	active       metric.Int64ObservableGauge
	registration metric.Registration

	logger *log.Helper
}

func newTelemetry(meter metric.Meter, logger *log.Helper, enabled bool, repository string, activeCount func() int) *telemetry {
	t := &telemetry{enabled: enabled, logger: logger, repo: attribute.String("repository", repository)}
	if !enabled || meter == nil {
		t.enabled = false
		return t
	}

	var err error
	t.acquired, err = meter.Int64Counter("dbs.session.acquired")
	if err != nil {
		logger.Warnf("dbs: create acquired counter: %v", err)
	}
	t.completions, err = meter.Int64Counter("dbs.tx_context.completed")
	if err != nil {
		logger.Warnf("dbs: create completions counter: %v", err)
	}
	t.forcedCloses, err = meter.Int64Counter("dbs.handle.forced_closes")
	if err != nil {
		logger.Warnf("dbs: create forced close counter: %v", err)
	}
	t.failures, err = meter.Int64Counter("dbs.tx_context.failures")
	if err != nil {
		logger.Warnf("dbs: create failures counter: %v", err)
	}
	t.active, err = meter.Int64ObservableGauge("dbs.tx_context.active")
	if err != nil {
		logger.Warnf("dbs: create active gauge: %v", err)
		return t
	}
	t.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(t.active, int64(activeCount()), metric.WithAttributes(t.repo))
		return nil
	}, t.active)
	if err != nil {
		logger.Warnf("dbs: register active gauge callback: %v", err)
	}
	return t
}

func (t *telemetry) recordAcquire(ctx context.Context, mode string) {
	if !t.enabled || t.acquired == nil {
		return
	}
	t.acquired.Add(ctx, 1, metric.WithAttributes(t.repo, attribute.String("mode", mode)))
}

func (t *telemetry) recordCompletion(ctx context.Context, outcome Outcome, forced int) {
	if !t.enabled {
		return
	}
	if t.completions != nil {
		t.completions.Add(ctx, 1, metric.WithAttributes(t.repo, attribute.String("outcome", outcome.String())))
	}
	if t.forcedCloses != nil && forced > 0 {
		t.forcedCloses.Add(ctx, int64(forced), metric.WithAttributes(t.repo))
	}
}

func (t *telemetry) recordFailure(ctx context.Context, phase string) {
	if !t.enabled || t.failures == nil {
		return
	}
	t.failures.Add(ctx, 1, metric.WithAttributes(t.repo, attribute.String("phase", phase)))
}

func (t *telemetry) shutdown() {
	if t.registration == nil {
		return
	}
	if err := t.registration.Unregister(); err != nil {
		t.logger.Warnf("dbs: unregister active gauge callback: %v", err)
	}
	t.registration = nil
}
