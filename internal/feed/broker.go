// Package feed is the subscription side of the document store: it pushes
// the current UserRecord to every subscriber of a user whenever that
// record changes.
//
// WHY A ONE-SLOT MAILBOX?
// Events carry whole snapshots, so a subscriber that falls behind only
// needs the newest one. Each subscription is a buffered channel of size
// one; delivering to a full mailbox drains the stale snapshot first and
// puts the new one in its place:
//
//	write #1 → [snap1]            subscriber busy
//	write #2 → [snap2]            snap1 dropped, never read
//	read     → snap2, mailbox []
//
// A slow subscriber therefore never blocks a writer, never grows an
// unbounded queue, and never sees snapshots out of order.
//
// ORDERING:
// Notify re-reads the record and delivers it while holding the user's
// topic lock, so two concurrent notifies for one user cannot interleave
// read and delivery and hand a subscriber an older record after a newer
// one.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sakif/expense-tracker/internal/apperror"
	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

// Event is one push from the feed. Exactly one of Record, Missing or Err
// is meaningful.
type Event struct {
	Record  *model.UserRecord
	Missing bool  // the record no longer exists
	Err     error // transport failure; wraps apperror.ErrSync
}

// Broker fans record snapshots out to subscribers, per user.
type Broker struct {
	reader repository.RecordStore
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// topic serializes load+deliver for one user so snapshots reach each
// subscriber in the order they were read.
type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBroker creates a Broker that reads snapshots from reader.
// reader should be the raw store, not a feed.Store wrapping this broker.
func NewBroker(reader repository.RecordStore, logger *slog.Logger) *Broker {
	return &Broker{
		reader: reader,
		logger: logger,
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a subscriber for userID and delivers the current
// record immediately.
func (b *Broker) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	if userID == "" {
		return nil, apperror.ValidationFailed("userID", "user id is required")
	}

	sub := &Subscription{
		userID: userID,
		ch:     make(chan Event, 1),
		broker: b,
	}

	// Register under b.mu so a concurrent unsubscribe can't drop the topic
	// between lookup and insert. Lock order is always b.mu → t.mu.
	b.mu.Lock()
	t, ok := b.topics[userID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[userID] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	b.mu.Unlock()
	defer t.mu.Unlock()

	sub.deliver(b.load(ctx, userID))

	b.logger.Debug("feed subscription opened",
		slog.String("userID", userID),
		slog.Int("subscribers", len(t.subs)),
	)
	return sub, nil
}

// Notify re-reads userID's record and pushes it to every subscriber.
// Called after each successful write, locally or from a relay.
func (b *Broker) Notify(ctx context.Context, userID string) {
	b.mu.Lock()
	t, ok := b.topics[userID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return
	}

	ev := b.load(ctx, userID)
	for sub := range t.subs {
		sub.deliver(ev)
	}
}

// Subscribers returns the number of open subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	t, ok := b.topics[userID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Broker) load(ctx context.Context, userID string) Event {
	record, err := b.reader.GetRecord(ctx, userID)
	switch {
	case err == nil:
		return Event{Record: record}
	case errors.Is(err, apperror.ErrNotFound):
		return Event{Missing: true}
	default:
		b.logger.Error("feed: loading record failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()),
		)
		return Event{Err: apperror.SyncFailed(err)}
	}
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	t, ok := b.topics[sub.userID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if _, ok := t.subs[sub]; ok {
		delete(t.subs, sub)
		// Closed under t.mu: no delivery can be in progress.
		close(sub.ch)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		b.mu.Lock()
		if cur, ok := b.topics[sub.userID]; ok && cur == t {
			t.mu.Lock()
			if len(t.subs) == 0 {
				delete(b.topics, sub.userID)
			}
			t.mu.Unlock()
		}
		b.mu.Unlock()
	}
}

// Subscription is one subscriber's mailbox.
type Subscription struct {
	userID string
	ch     chan Event
	broker *Broker
	once   sync.Once
}

// Events returns the channel snapshots arrive on. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// UserID is the user whose record this subscription follows.
func (s *Subscription) UserID() string {
	return s.userID
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
	})
}

// deliver must be called with the topic lock held.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Mailbox full: drop the stale snapshot and keep the newest.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}
