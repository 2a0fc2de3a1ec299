package changefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrSource = attribute.Key("changefeed.source")
	attrResult = attribute.Key("changefeed.result")
)

type relayMetrics struct {
	published    metric.Int64Counter
	latency      metric.Float64Histogram
	backlogGauge metric.Int64ObservableGauge
	registration metric.Registration
	backlog      atomic.Int64
	helper       *log.Helper
}

func newRelayMetrics(meter metric.Meter, helper *log.Helper) *relayMetrics {
	m := &relayMetrics{helper: helper}
	var err error
	if m.published, err = meter.Int64Counter("dbs.changefeed.published",
		metric.WithDescription("Outbox events handed to Pub/Sub, by result")); err != nil {
		helper.Warnf("changefeed: register published counter: %v", err)
	}
	if m.latency, err = meter.Float64Histogram("dbs.changefeed.publish_duration",
		metric.WithUnit("ms")); err != nil {
		helper.Warnf("changefeed: register latency histogram: %v", err)
	}
	if m.backlogGauge, err = meter.Int64ObservableGauge("dbs.changefeed.backlog",
		metric.WithDescription("Unpublished outbox events at the last drain")); err != nil {
		helper.Warnf("changefeed: register backlog gauge: %v", err)
		return m
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.backlogGauge, m.backlog.Load())
		return nil
	}, m.backlogGauge)
	if err != nil {
		helper.Warnf("changefeed: register backlog callback: %v", err)
	}
	return m
}

func (m *relayMetrics) recordPublish(ctx context.Context, evt Event, latency time.Duration, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	attrs := metric.WithAttributes(attrSource.String(evt.Source), attrResult.String(result))
	if m.published != nil {
		m.published.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
	}
}

func (m *relayMetrics) setBacklog(n int64) {
	if m == nil {
		return
	}
	m.backlog.Store(n)
}

func (m *relayMetrics) shutdown() {
	if m == nil || m.registration == nil {
		return
	}
	if err := m.registration.Unregister(); err != nil {
		m.helper.Warnf("changefeed: unregister backlog gauge: %v", err)
	}
}
