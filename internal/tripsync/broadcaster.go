package tripsync

import (
	"context"
	"sync"
	"time"
)

const (
	defaultSubscriptionBuffer = 64
	subscriptionRetryDelay    = 250 * time.Millisecond
)

// Broadcaster fans appended events out to subscribed clients. Each
// subscription owns a pump goroutine holding a cursor: it drains
// Backend.QueryEvents from that cursor, then parks on a coalesced notify
// signal. Append paths never block on delivery; Notify is fire-and-continue.
type Broadcaster struct {
	backend Backend
	buffer  int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

type BroadcasterOptions struct {
	// Buffer is the per-subscription out channel capacity.
	Buffer int
}

func NewBroadcaster(backend Backend, opts BroadcasterOptions) *Broadcaster {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Broadcaster{
		backend: backend,
		buffer:  buffer,
		subs:    map[*Subscription]struct{}{},
	}
}

// Subscription is one client's live feed for one router. Events are
// delivered in strictly ascending id order with no gaps relative to the
// starting cursor; the channel closes when the subscription ends.
type Subscription struct {
	router string
	userID string

	events chan Event
	notify chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports why the subscription ended; nil after a clean cancellation.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Cancel() {
	s.cancel()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Subscribe starts delivery of events with id > afterID visible to userID.
// Catch-up and live phases are indistinguishable to the consumer: both come
// from the log in order. The subscription ends when ctx is cancelled, the
// Broadcaster closes, or Cancel is called.
func (b *Broadcaster) Subscribe(ctx context.Context, router, userID string, afterID int64) (*Subscription, error) {
	if router == "" || userID == "" {
		return nil, ErrInvalidInput
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		router: router,
		userID: userID,
		events: make(chan Event, b.buffer),
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(subCtx, sub, afterID)
	return sub, nil
}

func (b *Broadcaster) pump(ctx context.Context, sub *Subscription, afterID int64) {
	defer func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		close(sub.events)
		sub.cancel()
		b.wg.Done()
	}()

	cursor := afterID
	for {
		batch, err := b.backend.QueryEvents(ctx, sub.router, sub.userID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.setErr(err)
			// Transient backend errors back off and retry; the cursor is
			// untouched so nothing is skipped.
			select {
			case <-ctx.Done():
				return
			case <-time.After(subscriptionRetryDelay):
				sub.mu.Lock()
				sub.err = nil
				sub.mu.Unlock()
				continue
			}
		}
		for _, event := range batch {
			if event.ID <= cursor {
				continue
			}
			select {
			case sub.events <- event:
				cursor = event.ID
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			// Another append may have landed while draining.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
		}
	}
}

// Notify signals subscriptions of the given recipients on a router. A nil
// recipient list pokes every subscription of the router. The signal channel
// is coalescing; a busy pump simply re-queries once it drains.
func (b *Broadcaster) Notify(router string, recipients []string) {
	var recipientSet map[string]struct{}
	if recipients != nil {
		recipientSet = make(map[string]struct{}, len(recipients))
		for _, user := range recipients {
			recipientSet[user] = struct{}{}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.router != router {
			continue
		}
		if recipientSet != nil {
			if _, ok := recipientSet[sub.userID]; !ok {
				continue
			}
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports live subscriptions, optionally filtered by router
// (empty router counts all).
func (b *Broadcaster) SubscriberCount(router string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if router == "" {
		return len(b.subs)
	}
	count := 0
	for sub := range b.subs {
		if sub.router == router {
			count++
		}
	}
	return count
}

// Close cancels every subscription and waits for the pumps to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		pending = append(pending, sub)
	}
	b.mu.Unlock()
	for _, sub := range pending {
		sub.cancel()
	}
	b.wg.Wait()
}
