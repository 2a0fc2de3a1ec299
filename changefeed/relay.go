package changefeed

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/bionicotaku/lingo-dbs/gcpubsub"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// EventStore is the outbox as seen by a Relay.
type EventStore interface {
	ClaimPending(ctx context.Context, availableBefore, staleBefore time.Time, limit int, lockToken string) ([]Event, error)
	MarkPublished(ctx context.Context, eventID, lockToken string, at time.Time) error
	Reschedule(ctx context.Context, eventID, lockToken string, next time.Time, lastErr string) error
	CountPending(ctx context.Context) (int64, error)
}

var (
	// ErrMissingStore is returned by NewRelay without an event store.
	ErrMissingStore = errors.New("changefeed: event store is required")
	// ErrMissingPublisher is returned by NewRelay without a publisher.
	ErrMissingPublisher = errors.New("changefeed: publisher is required")
)

// Relay moves outbox events to Pub/Sub. Delivery is at least once: an event
// published but not marked before a crash is sent again once its lock expires.
type Relay struct {
	store     EventStore
	publisher gcpubsub.Publisher
	cfg       Config
	clock     func() time.Time
	helper    *log.Helper
	lockToken string
	metrics   *relayMetrics
}

// NewRelay validates cfg and builds a relay with its own lock token.
func NewRelay(store EventStore, pub gcpubsub.Publisher, cfg Config, logger log.Logger, meter metric.Meter) (*Relay, error) {
	if store == nil {
		return nil, ErrMissingStore
	}
	if pub == nil {
		return nil, ErrMissingPublisher
	}
	n := cfg.Normalize()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	helper := log.NewHelper(logger)

	r := &Relay{
		store:     store,
		publisher: pub,
		cfg:       n,
		clock:     time.Now,
		helper:    helper,
		lockToken: uuid.NewString(),
	}
	if n.MetricsEnabledValue() {
		if meter == nil {
			meter = otel.GetMeterProvider().Meter(n.MeterName)
		}
		r.metrics = newRelayMetrics(meter, helper)
	}
	return r, nil
}

// WithClock replaces the time source.
func (r *Relay) WithClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// Run drains the outbox every TickInterval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	defer r.metrics.shutdown()
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.helper.WithContext(ctx).Errorf("changefeed: drain: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain claims one batch of due events and publishes them concurrently. It
// returns how many were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	now := r.clock()
	events, err := r.store.ClaimPending(ctx, now, now.Add(-r.cfg.LockTTL), r.cfg.BatchSize, r.lockToken)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		r.refreshBacklog(ctx)
		return 0, nil
	}

	var published atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, evt := range events {
		g.Go(func() error {
			if r.publish(gctx, evt) {
				published.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	backlog := r.refreshBacklog(ctx)
	r.helper.WithContext(ctx).Infof("changefeed: batch done claimed=%d published=%d backlog=%d elapsed=%s",
		len(events), published.Load(), backlog, r.clock().Sub(now))
	return int(published.Load()), ctx.Err()
}

func (r *Relay) publish(ctx context.Context, evt Event) bool {
	if evt.LockToken != r.lockToken {
		r.helper.WithContext(ctx).Warnf("changefeed: lock token mismatch event_id=%s", evt.EventID)
		return false
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	start := r.clock()
	_, err := r.publisher.Publish(pubCtx, gcpubsub.Message{
		Data: evt.Payload,
		Attributes: map[string]string{
			"event_id":   evt.EventID,
			"event_type": evt.EventType,
			"source":     evt.Source,
		},
		OrderingKey:     evt.Source,
		EventID:         evt.EventID,
		PublishTime:     evt.OccurredAt,
		DeliveryAttempt: int(evt.DeliveryAttempts) + 1,
	})
	latency := r.clock().Sub(start)
	if err != nil {
		r.metrics.recordPublish(ctx, evt, latency, false)
		r.reschedule(ctx, evt, err)
		return false
	}

	publishedAt := r.clock()
	if err := r.store.MarkPublished(ctx, evt.EventID, r.lockToken, publishedAt); err != nil {
		r.metrics.recordPublish(ctx, evt, latency, false)
		r.helper.WithContext(ctx).Errorf("changefeed: mark published event_id=%s: %v", evt.EventID, err)
		return false
	}
	r.metrics.recordPublish(ctx, evt, latency, true)
	r.helper.WithContext(ctx).Debugf("changefeed: published event_id=%s attempt=%d lag=%s",
		evt.EventID, evt.DeliveryAttempts+1, publishedAt.Sub(evt.OccurredAt))
	return true
}

func (r *Relay) reschedule(ctx context.Context, evt Event, cause error) {
	attempt := int(evt.DeliveryAttempts) + 1
	next := r.clock().Add(r.backoff(int(evt.DeliveryAttempts)))
	if err := r.store.Reschedule(ctx, evt.EventID, r.lockToken, next, cause.Error()); err != nil {
		r.helper.WithContext(ctx).Errorf("changefeed: reschedule event_id=%s: %v", evt.EventID, err)
		return
	}
	if attempt >= r.cfg.MaxAttempts {
		r.helper.WithContext(ctx).Errorf("changefeed: event_id=%s failed %d times, last error: %v", evt.EventID, attempt, cause)
		return
	}
	r.helper.WithContext(ctx).Warnf("changefeed: publish event_id=%s attempt=%d failed, retry at %s: %v",
		evt.EventID, attempt, next.UTC().Format(time.RFC3339), cause)
}

// backoff doubles InitialBackoff per previous attempt, capped at MaxBackoff.
func (r *Relay) backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return r.cfg.MaxBackoff
	}
	d := r.cfg.InitialBackoff << attempts
	if d <= 0 || d > r.cfg.MaxBackoff {
		return r.cfg.MaxBackoff
	}
	return d
}

func (r *Relay) refreshBacklog(ctx context.Context) int64 {
	n, err := r.store.CountPending(ctx)
	if err != nil {
		r.helper.WithContext(ctx).Warnf("changefeed: count backlog: %v", err)
		return -1
	}
	r.metrics.setBacklog(n)
	return n
}
