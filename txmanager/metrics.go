package txmanager

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type telemetry struct {
	enabled bool

	duration    metric.Float64Histogram
	active      metric.Int64UpDownCounter
	completions metric.Int64Counter
	retries     metric.Int64Counter
	syncFaults  metric.Int64Counter

	logger *log.Helper
}

func newTelemetry(meter metric.Meter, logger *log.Helper, enabled bool) *telemetry {
	t := &telemetry{enabled: enabled, logger: logger}
	if !enabled || meter == nil {
		t.enabled = false
		return t
	}

	var err error
	t.duration, err = meter.Float64Histogram("tx.duration", metric.WithUnit("ms"))
	if err != nil {
		logger.Warnf("txmanager: create histogram: %v", err)
	}
	t.active, err = meter.Int64UpDownCounter("tx.active")
	if err != nil {
		logger.Warnf("txmanager: create active counter: %v", err)
	}
	t.completions, err = meter.Int64Counter("tx.completions")
	if err != nil {
		logger.Warnf("txmanager: create completions counter: %v", err)
	}
	t.retries, err = meter.Int64Counter("tx.retries")
	if err != nil {
		logger.Warnf("txmanager: create retries counter: %v", err)
	}
	t.syncFaults, err = meter.Int64Counter("tx.synchronization.faults")
	if err != nil {
		logger.Warnf("txmanager: create synchronization faults counter: %v", err)
	}
	return t
}

func (t *telemetry) recordBegin(ctx context.Context, method string) {
	if !t.enabled || t.active == nil {
		return
	}
	t.active.Add(ctx, 1, metric.WithAttributes(attribute.String("tx.method", method)))
}

func (t *telemetry) recordEnd(ctx context.Context, method string, status Status, err error, elapsed time.Duration) {
	if !t.enabled {
		return
	}
	if t.active != nil {
		t.active.Add(ctx, -1, metric.WithAttributes(attribute.String("tx.method", method)))
	}
	opts := metric.WithAttributes(
		attribute.String("tx.method", method),
		attribute.String("tx.status", status.String()),
		attribute.Bool("tx.error", err != nil),
	)
	if t.duration != nil {
		t.duration.Record(ctx, float64(elapsed.Milliseconds()), opts)
	}
	if t.completions != nil {
		t.completions.Add(ctx, 1, opts)
	}
}

func (t *telemetry) recordRetry(ctx context.Context, method string) {
	if !t.enabled || t.retries == nil {
		return
	}
	t.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("tx.method", method)))
}

func (t *telemetry) recordSyncFault(ctx context.Context, phase string) {
	if !t.enabled || t.syncFaults == nil {
		return
	}
	t.syncFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("tx.phase", phase)))
}
