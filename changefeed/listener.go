package changefeed

import (
	"context"
	"io"
	"time"

	"github.com/bionicotaku/lingo-dbs/gcpubsub"
	"github.com/go-kratos/kratos/v2/log"
)

// HandlerFunc reacts to one change event. Returning an error asks Pub/Sub to
// redeliver the message.
type HandlerFunc func(ctx context.Context, evt ChangeEvent) error

// Listener consumes change events from a subscription.
type Listener struct {
	sub     gcpubsub.Subscriber
	handler HandlerFunc
	inbox   Inbox
	clock   func() time.Time
	helper  *log.Helper
}

// NewListener binds handler to sub.
func NewListener(sub gcpubsub.Subscriber, handler HandlerFunc, logger log.Logger) *Listener {
	if logger == nil {
		logger = log.NewStdLogger(io.Discard)
	}
	return &Listener{sub: sub, handler: handler, clock: time.Now, helper: log.NewHelper(logger)}
}

// WithInbox skips events the inbox already marks as processed and records
// every outcome there.
func (l *Listener) WithInbox(inbox Inbox) *Listener {
	l.inbox = inbox
	return l
}

// Run blocks until ctx is cancelled or the subscription fails.
func (l *Listener) Run(ctx context.Context) error {
	return l.sub.Receive(ctx, l.handle)
}

func (l *Listener) handle(ctx context.Context, msg *gcpubsub.Message) error {
	if t := msg.Attributes["event_type"]; t != EventTypeDocumentsChanged {
		l.helper.WithContext(ctx).Debugf("changefeed: skip message_id=%s event_type=%q", msg.ID, t)
		return nil
	}
	evt, err := DecodeChangeEvent(msg.Data)
	if err != nil {
		// Redelivery cannot fix a malformed payload; ack it.
		l.helper.WithContext(ctx).Warnf("changefeed: drop message_id=%s: %v", msg.ID, err)
		return nil
	}
	if evt.EventID == "" {
		evt.EventID = msg.EventID
	}
	if l.inbox == nil || evt.EventID == "" {
		return l.handler(ctx, evt)
	}

	done, err := l.inbox.Processed(ctx, evt.EventID)
	if err != nil {
		return err
	}
	if done {
		l.helper.WithContext(ctx).Debugf("changefeed: event_id=%s already processed", evt.EventID)
		return nil
	}
	if err := l.handler(ctx, evt); err != nil {
		if recErr := l.inbox.RecordFailure(ctx, evt.EventID, evt.Source, err.Error()); recErr != nil {
			l.helper.WithContext(ctx).Warnf("changefeed: record failure event_id=%s: %v", evt.EventID, recErr)
		}
		return err
	}
	return l.inbox.MarkProcessed(ctx, evt.EventID, evt.Source, l.clock().UTC())
}
