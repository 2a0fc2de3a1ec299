package pgstore

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type storeTelemetry struct {
	helper        *log.Helper
	applyLatency  metric.Float64Histogram
	applyFail     metric.Int64Counter
	healthLatency metric.Float64Histogram
	healthFail    metric.Int64Counter
	registration  metric.Registration
	enabled       bool
}

func newStoreTelemetry(meter metric.Meter, helper *log.Helper, pool *pgxpool.Pool) *storeTelemetry {
	t := &storeTelemetry{helper: helper}
	if meter == nil || helper == nil || pool == nil {
		return t
	}

	var err error

	t.applyLatency, err = meter.Float64Histogram("dbs.store.apply_duration", metric.WithUnit("ms"))
	if err != nil {
		helper.Warnf("pgstore: apply histogram error: %v", err)
	}

	t.applyFail, err = meter.Int64Counter("dbs.store.apply_failures")
	if err != nil {
		helper.Warnf("pgstore: apply failure counter error: %v", err)
	}

	t.healthLatency, err = meter.Float64Histogram("db.pool.health_check.duration", metric.WithUnit("ms"))
	if err != nil {
		helper.Warnf("pgstore: health check histogram error: %v", err)
	}

	t.healthFail, err = meter.Int64Counter("db.pool.health_check.failures")
	if err != nil {
		helper.Warnf("pgstore: health check counter error: %v", err)
	}

	connectionsGauge, err := meter.Int64ObservableGauge("db.pool.connections")
	if err != nil {
		helper.Warnf("pgstore: connections gauge error: %v", err)
	} else {
		reg, regErr := meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
			stats := pool.Stat()
			observer.ObserveInt64(connectionsGauge, int64(stats.AcquiredConns()),
				metric.WithAttributes(attribute.String("state", "active")))
			observer.ObserveInt64(connectionsGauge, int64(stats.IdleConns()),
				metric.WithAttributes(attribute.String("state", "idle")))
			observer.ObserveInt64(connectionsGauge, int64(stats.TotalConns()),
				metric.WithAttributes(attribute.String("state", "total")))
			return nil
		}, connectionsGauge)
		if regErr != nil {
			helper.Warnf("pgstore: register connections callback: %v", regErr)
		} else {
			t.registration = reg
		}
	}

	t.enabled = true
	return t
}

func (t *storeTelemetry) recordApply(ctx context.Context, elapsed time.Duration, writes int, err error) {
	if t == nil || !t.enabled {
		return
	}
	if t.applyLatency != nil {
		t.applyLatency.Record(ctx, float64(elapsed.Milliseconds()),
			metric.WithAttributes(attribute.Int("writes", writes)))
	}
	if err != nil && t.applyFail != nil {
		t.applyFail.Add(ctx, 1)
	}
}

func (t *storeTelemetry) recordHealthCheck(ctx context.Context, elapsed time.Duration, err error) {
	if t == nil || !t.enabled {
		return
	}
	if t.healthLatency != nil {
		t.healthLatency.Record(ctx, float64(elapsed.Milliseconds()))
	}
	if err != nil && t.healthFail != nil {
		t.healthFail.Add(ctx, 1)
	}
}

func (t *storeTelemetry) shutdown() {
	if t == nil || !t.enabled {
		return
	}
	if t.registration != nil {
		if unregisterErr := t.registration.Unregister(); unregisterErr != nil {
			t.helper.Warnf("pgstore: unregister connections callback: %v", unregisterErr)
		}
	}
}
