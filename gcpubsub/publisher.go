package gcpubsub

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Message 是发布与消费两端共用的消息结构。
type Message struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	OrderingKey     string
	EventID         string
	PublishTime     time.Time
	DeliveryAttempt int
}

// Publisher publishes messages to the configured topic.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
	Flush(ctx context.Context) error
}

// ErrPublisherDisabled is returned when no topic is configured.
var ErrPublisherDisabled = errors.New("gcpubsub: publisher disabled")

type publisher struct {
	topic     *pubsub.Topic
	topicID   string
	telemetry *telemetry
	tracer    trace.Tracer
	helper    *log.Helper
	logging   bool
	ordering  bool
	timeout   time.Duration
	clock     func() time.Time

	stopOnce sync.Once
}

func newPublisher(topic *pubsub.Topic, cfg Config, telem *telemetry, tracer trace.Tracer, helper *log.Helper, clock func() time.Time) Publisher {
	if topic == nil {
		return noopPublisher{}
	}
	topic.EnableMessageOrdering = cfg.OrderingKeyEnabledValue()
	return &publisher{
		topic:     topic,
		topicID:   cfg.TopicID,
		telemetry: telem,
		tracer:    tracer,
		helper:    helper,
		logging:   cfg.LoggingEnabled(),
		ordering:  cfg.OrderingKeyEnabledValue(),
		timeout:   cfg.PublishTimeout,
		clock:     clock,
	}
}

func (p *publisher) Publish(ctx context.Context, msg Message) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := p.tracer.Start(ctx, "gcpubsub.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "gcp_pubsub"),
			attribute.String("messaging.destination.name", p.topicID),
			attribute.String("messaging.message.id", msg.EventID),
		))
	defer span.End()

	publishCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		publishCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	out := &pubsub.Message{Data: msg.Data, Attributes: cloneAttributes(msg.Attributes)}
	if p.ordering {
		out.OrderingKey = msg.OrderingKey
	}

	start := p.clock()
	serverID, err := p.topic.Publish(publishCtx, out).Get(publishCtx)
	latency := p.clock().Sub(start)

	// 有序发布失败后该 key 会被暂停，需显式恢复。
	if err != nil && out.OrderingKey != "" {
		p.topic.ResumePublish(out.OrderingKey)
	}

	p.telemetry.recordPublish(ctx, p.topicID, len(msg.Data), latency, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if p.logging {
		p.logResult(ctx, msg, out.OrderingKey, serverID, latency, err)
	}
	if err != nil {
		return "", err
	}
	return serverID, nil
}

// Flush 发送缓冲消息并停止 topic 的后台协程，可重复调用。
func (p *publisher) Flush(context.Context) error {
	p.stopOnce.Do(p.topic.Stop)
	return nil
}

func (p *publisher) logResult(ctx context.Context, msg Message, orderingKey, serverID string, latency time.Duration, err error) {
	if err != nil {
		p.helper.WithContext(ctx).Warnf("gcpubsub publish failed: topic=%s event_id=%s ordering_key=%s latency=%s err=%v",
			p.topicID, msg.EventID, orderingKey, latency, err)
		return
	}
	p.helper.WithContext(ctx).Debugf("gcpubsub published: topic=%s event_id=%s server_id=%s latency=%s",
		p.topicID, msg.EventID, serverID, latency)
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	return maps.Clone(attrs)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Message) (string, error) {
	return "", ErrPublisherDisabled
}

func (noopPublisher) Flush(context.Context) error { return nil }
