package gcpubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-kratos/kratos/v2/log"
)

// Handler processes one delivered message. A nil return acks it; an error
// nacks it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Subscriber 定义 StreamingPull 消费接口。
type Subscriber interface {
	Receive(ctx context.Context, handler Handler) error
}

// ErrSubscriberDisabled is returned when no subscription is configured.
var ErrSubscriberDisabled = errors.New("gcpubsub: subscriber disabled")

type subscriber struct {
	sub       *pubsub.Subscription
	subID     string
	telemetry *telemetry
	helper    *log.Helper
	logging   bool
	clock     func() time.Time
}

func newSubscriber(sub *pubsub.Subscription, cfg Config, telem *telemetry, helper *log.Helper, clock func() time.Time) Subscriber {
	if sub == nil {
		return noopSubscriber{}
	}
	sub.ReceiveSettings.NumGoroutines = cfg.Receive.NumGoroutines
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.Receive.MaxOutstandingMessages
	sub.ReceiveSettings.MaxOutstandingBytes = cfg.Receive.MaxOutstandingBytes
	sub.ReceiveSettings.MaxExtension = cfg.Receive.MaxExtension
	sub.ReceiveSettings.MaxExtensionPeriod = cfg.Receive.MaxExtensionPeriod
	return &subscriber{
		sub:       sub,
		subID:     cfg.SubscriptionID,
		telemetry: telem,
		helper:    helper,
		logging:   cfg.LoggingEnabled(),
		clock:     clock,
	}
}

// Receive blocks until ctx is cancelled or the stream fails.
func (s *subscriber) Receive(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("gcpubsub: nil handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.sub.Receive(ctx, func(rctx context.Context, m *pubsub.Message) {
		msg := fromPubsub(m)
		start := s.clock()
		err := s.invoke(rctx, handler, msg)
		handled := s.clock().Sub(start)
		if err != nil {
			m.Nack()
		} else {
			m.Ack()
		}
		s.telemetry.recordReceive(rctx, s.subID, handled, msg.DeliveryAttempt, err)
		if s.logging {
			s.logResult(rctx, msg, handled, err)
		}
	})
}

func (s *subscriber) invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gcpubsub: handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

func (s *subscriber) logResult(ctx context.Context, msg *Message, latency time.Duration, err error) {
	if err != nil {
		s.helper.WithContext(ctx).Warnf("gcpubsub receive failed: subscription=%s message_id=%s attempt=%d latency=%s err=%v",
			s.subID, msg.ID, msg.DeliveryAttempt, latency, err)
		return
	}
	s.helper.WithContext(ctx).Debugf("gcpubsub received: subscription=%s message_id=%s attempt=%d latency=%s",
		s.subID, msg.ID, msg.DeliveryAttempt, latency)
}

func fromPubsub(m *pubsub.Message) *Message {
	if m == nil {
		return &Message{}
	}
	attempt := 0
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	return &Message{
		ID:              m.ID,
		Data:            append([]byte(nil), m.Data...),
		Attributes:      cloneAttributes(m.Attributes),
		OrderingKey:     m.OrderingKey,
		EventID:         m.Attributes["event_id"],
		PublishTime:     m.PublishTime,
		DeliveryAttempt: attempt,
	}
}

type noopSubscriber struct{}

func (noopSubscriber) Receive(context.Context, Handler) error {
	return ErrSubscriberDisabled
}
