package gcpubsub

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrTopic        = attribute.Key("pubsub.topic")
	attrSubscription = attribute.Key("pubsub.subscription")
	attrResult       = attribute.Key("pubsub.result")
)

// telemetry records publish/receive instruments. A nil or disabled value is a
// no-op.
type telemetry struct {
	publishCount   metric.Int64Counter
	publishLatency metric.Float64Histogram
	publishBytes   metric.Int64Histogram
	receiveCount   metric.Int64Counter
	handlerLatency metric.Float64Histogram
	redeliveries   metric.Int64Counter
}

func newTelemetry(meter metric.Meter, helper *log.Helper, enabled bool) *telemetry {
	if !enabled {
		return nil
	}
	t := &telemetry{}
	var err error
	if t.publishCount, err = meter.Int64Counter("pubsub.publish.count",
		metric.WithDescription("Messages published, by result")); err != nil {
		helper.Warnf("gcpubsub: register publish counter: %v", err)
	}
	if t.publishLatency, err = meter.Float64Histogram("pubsub.publish.duration",
		metric.WithUnit("ms")); err != nil {
		helper.Warnf("gcpubsub: register publish histogram: %v", err)
	}
	if t.publishBytes, err = meter.Int64Histogram("pubsub.publish.payload_size",
		metric.WithUnit("By")); err != nil {
		helper.Warnf("gcpubsub: register payload histogram: %v", err)
	}
	if t.receiveCount, err = meter.Int64Counter("pubsub.receive.count",
		metric.WithDescription("Messages handled, by result")); err != nil {
		helper.Warnf("gcpubsub: register receive counter: %v", err)
	}
	if t.handlerLatency, err = meter.Float64Histogram("pubsub.handler.duration",
		metric.WithUnit("ms")); err != nil {
		helper.Warnf("gcpubsub: register handler histogram: %v", err)
	}
	if t.redeliveries, err = meter.Int64Counter("pubsub.receive.redeliveries",
		metric.WithDescription("Deliveries beyond the first attempt")); err != nil {
		helper.Warnf("gcpubsub: register redelivery counter: %v", err)
	}
	return t
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (t *telemetry) recordPublish(ctx context.Context, topic string, size int, latency time.Duration, err error) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(attrTopic.String(topic), attrResult.String(resultOf(err)))
	if t.publishCount != nil {
		t.publishCount.Add(ctx, 1, attrs)
	}
	if t.publishLatency != nil {
		t.publishLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
	}
	if t.publishBytes != nil {
		t.publishBytes.Record(ctx, int64(size), attrs)
	}
}

func (t *telemetry) recordReceive(ctx context.Context, subscription string, latency time.Duration, attempt int, err error) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(attrSubscription.String(subscription), attrResult.String(resultOf(err)))
	if t.receiveCount != nil {
		t.receiveCount.Add(ctx, 1, attrs)
	}
	if t.handlerLatency != nil {
		t.handlerLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
	}
	if attempt > 1 && t.redeliveries != nil {
		t.redeliveries.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(subscription)))
	}
}
