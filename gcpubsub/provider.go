package gcpubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// Component 聚合客户端以及基于它的发布者与订阅者。
type Component struct {
	client     *pubsub.Client
	publisher  Publisher
	subscriber Subscriber
	helper     *log.Helper
	cfg        Config
}

// NewComponent builds the client and binds the configured topic and
// subscription. Either may be empty, in which case the matching side is
// disabled.
func NewComponent(ctx context.Context, cfg Config, deps Dependencies) (*Component, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := cfg.Normalize()
	if normalized.ProjectID == "" {
		return nil, nil, errors.New("gcpubsub: projectID is required")
	}

	r := resolve(normalized, deps)
	helper := log.NewHelper(r.logger)
	telem := newTelemetry(r.meter, helper, normalized.MetricsEnabled())

	client, err := r.factory(ctx, normalized.ProjectID, r.creds, r.dial)
	if err != nil {
		return nil, nil, fmt.Errorf("gcpubsub: create client: %w", err)
	}

	var topic *pubsub.Topic
	if normalized.TopicID != "" {
		topic = client.Topic(normalized.TopicID)
	}
	var sub *pubsub.Subscription
	if normalized.SubscriptionID != "" {
		sub = client.Subscription(normalized.SubscriptionID)
	}

	comp := &Component{
		client:     client,
		publisher:  newPublisher(topic, normalized, telem, r.tracer, helper, r.clock),
		subscriber: newSubscriber(sub, normalized, telem, helper, r.clock),
		helper:     helper,
		cfg:        normalized,
	}

	cleanup := func() {
		_ = comp.publisher.Flush(context.Background())
		if err := client.Close(); err != nil {
			helper.Warnf("gcpubsub: close client: %v", err)
		}
	}
	return comp, cleanup, nil
}

// Publish forwards to the component's publisher.
func (c *Component) Publish(ctx context.Context, msg Message) (string, error) {
	return c.publisher.Publish(ctx, msg)
}

// Receive forwards to the component's subscriber.
func (c *Component) Receive(ctx context.Context, handler Handler) error {
	return c.subscriber.Receive(ctx, handler)
}

// ProvidePublisher 暴露 Publisher；组件为空时返回禁用实现。
func ProvidePublisher(c *Component) Publisher {
	if c == nil || c.publisher == nil {
		return noopPublisher{}
	}
	return c.publisher
}

// ProvideSubscriber 暴露 Subscriber；组件为空时返回禁用实现。
func ProvideSubscriber(c *Component) Subscriber {
	if c == nil || c.subscriber == nil {
		return noopSubscriber{}
	}
	return c.subscriber
}

// ProviderSet 用于 Wire 注入。
var ProviderSet = wire.NewSet(NewComponent, ProvidePublisher, ProvideSubscriber)
