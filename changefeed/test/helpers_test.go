package changefeed_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bionicotaku/lingo-dbs/changefeed"
	"github.com/bionicotaku/lingo-dbs/gcpubsub"
)

// memEventStore 是内存版 outbox，语义与 OutboxStore 一致
type memEventStore struct {
	mu        sync.Mutex
	events    map[string]*changefeed.Event
	published map[string]time.Time
	lastErr   map[string]string
	tokenFor  func(string) string
	claimErr  error
}

func newMemEventStore(events ...changefeed.Event) *memEventStore {
	s := &memEventStore{
		events:    map[string]*changefeed.Event{},
		published: map[string]time.Time{},
		lastErr:   map[string]string{},
	}
	for i := range events {
		evt := events[i]
		s.events[evt.EventID] = &evt
	}
	return s
}

func (s *memEventStore) ClaimPending(_ context.Context, availableBefore, _ time.Time, limit int, lockToken string) ([]changefeed.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	ids := make([]string, 0, len(s.events))
	for id, evt := range s.events {
		if _, done := s.published[id]; done {
			continue
		}
		if evt.LockToken != "" || evt.AvailableAt.After(availableBefore) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]changefeed.Event, 0, len(ids))
	for _, id := range ids {
		evt := s.events[id]
		evt.LockToken = lockToken
		if s.tokenFor != nil {
			evt.LockToken = s.tokenFor(lockToken)
		}
		out = append(out, *evt)
	}
	return out, nil
}

func (s *memEventStore) MarkPublished(_ context.Context, eventID, lockToken string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	if !ok || evt.LockToken != lockToken {
		return nil
	}
	evt.LockToken = ""
	s.published[eventID] = at
	return nil
}

func (s *memEventStore) Reschedule(_ context.Context, eventID, lockToken string, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[eventID]
	if !ok || evt.LockToken != lockToken {
		return nil
	}
	evt.LockToken = ""
	evt.DeliveryAttempts++
	evt.AvailableAt = next
	s.lastErr[eventID] = lastErr
	return nil
}

func (s *memEventStore) CountPending(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events) - len(s.published)), nil
}

func (s *memEventStore) event(id string) changefeed.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *memEventStore) isPublished(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.published[id]
	return ok
}

// recordingPublisher 记录发布的消息，可按 event id 注入失败
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []gcpubsub.Message
	fail map[string]error
}

func (p *recordingPublisher) Publish(_ context.Context, msg gcpubsub.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[msg.EventID]; err != nil {
		return "", err
	}
	p.msgs = append(p.msgs, msg)
	return "srv-" + msg.EventID, nil
}

func (p *recordingPublisher) Flush(context.Context) error { return nil }

func (p *recordingPublisher) messages() []gcpubsub.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gcpubsub.Message(nil), p.msgs...)
}

// stubSubscriber 把预置消息依次交给 handler，并记录每条的处理结果
type stubSubscriber struct {
	msgs    []*gcpubsub.Message
	results []error
}

func (s *stubSubscriber) Receive(ctx context.Context, handler gcpubsub.Handler) error {
	for _, m := range s.msgs {
		s.results = append(s.results, handler(ctx, m))
	}
	return nil
}

var errPublish = errors.New("pubsub unavailable")

func pendingEvent(id string, at time.Time) changefeed.Event {
	evt := changefeed.ChangeEvent{EventID: id, Source: "postgres", Created: []string{"doc-" + id}, OccurredAt: at}
	payload, _ := evt.Encode()
	return changefeed.Event{
		EventID:     id,
		Source:      "postgres",
		EventType:   changefeed.EventTypeDocumentsChanged,
		Payload:     payload,
		OccurredAt:  at,
		AvailableAt: at,
	}
}

// memInbox 是内存版 Inbox
type memInbox struct {
	mu        sync.Mutex
	processed map[string]time.Time
	failures  map[string][]string
}

func newMemInbox() *memInbox {
	return &memInbox{processed: map[string]time.Time{}, failures: map[string][]string{}}
}

func (i *memInbox) Processed(_ context.Context, eventID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.processed[eventID]
	return ok, nil
}

func (i *memInbox) MarkProcessed(_ context.Context, eventID, _ string, at time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.processed[eventID] = at
	return nil
}

func (i *memInbox) RecordFailure(_ context.Context, eventID, _ string, cause string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failures[eventID] = append(i.failures[eventID], cause)
	return nil
}
