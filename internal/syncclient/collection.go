package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wanderlog/tripsync/internal/tripsync"
)

type ConnState int

const (
	StateCatchingUp ConnState = iota
	StateLive
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Logger interface {
	Printf(format string, args ...any)
}

type CollectionConfig[T any] struct {
	Router string
	Decode func(json.RawMessage) (T, error)
	IDOf   func(T) string
	// GracePeriod bounds how long an unresolved optimistic record shadows
	// the confirmed state.
	GracePeriod   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Logger        Logger
	OnStateChange func(ConnState)
	// NewID overrides client-side id generation; tests pin it.
	NewID func() string
}

// Collection is one router's local replica: confirmed records from the
// authoritative event log overlaid with this client's pending mutations.
// Reads never touch the network.
type Collection[T any] struct {
	client RemoteClient
	store  LocalStore
	cfg    CollectionConfig[T]

	mu        sync.Mutex
	confirmed map[string]json.RawMessage
	// pending holds each id's in-flight mutations in submission order; the
	// newest record is the visible optimistic state.
	pending map[string][]*pendingRecord
	cursor  int64
	state   ConnState

	changed chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

type pendingRecord struct {
	data        json.RawMessage
	deleted     bool
	submittedAt time.Time
	// confirmedID is the event id returned by the server; the record is
	// dropped once that event folds into the confirmed state.
	confirmedID int64
}

// Mutation resolves once the server accepts or rejects the change. The
// optimistic local apply has already happened by the time it is returned.
type Mutation struct {
	done   chan struct{}
	mu     sync.Mutex
	result tripsync.MutationResult
	err    error
}

func newMutation() *Mutation {
	return &Mutation{done: make(chan struct{})}
}

func (m *Mutation) resolve(result tripsync.MutationResult, err error) {
	m.mu.Lock()
	m.result = result
	m.err = err
	m.mu.Unlock()
	close(m.done)
}

// Wait blocks until the server answers or ctx is done.
func (m *Mutation) Wait(ctx context.Context) (tripsync.MutationResult, error) {
	select {
	case <-ctx.Done():
		return tripsync.MutationResult{}, ctx.Err()
	case <-m.done:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result, m.err
}

func Open[T any](ctx context.Context, client RemoteClient, store LocalStore, cfg CollectionConfig[T]) (*Collection[T], error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Router == "" {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Decode == nil {
		return nil, fmt.Errorf("decode func is required")
	}
	if cfg.IDOf == nil {
		return nil, fmt.Errorf("id func is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	snapshot, err := store.Load(cfg.Router)
	if err != nil {
		return nil, err
	}

	c := &Collection[T]{
		client:    client,
		store:     store,
		cfg:       cfg,
		confirmed: snapshot.Items,
		pending:   map[string][]*pendingRecord{},
		cursor:    snapshot.LastAppliedEventID,
		state:     StateCatchingUp,
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	// Fresh replicas try a direct snapshot fetch so reads have data before
	// the log replay completes. Failure is fine: the replay builds the same
	// state, and an offline start serves the empty set.
	if c.cursor == 0 && len(c.confirmed) == 0 {
		if items, err := client.ListItems(ctx, cfg.Router); err == nil {
			for _, item := range items {
				if id := tripsync.EntityID(item); id != "" {
					c.confirmed[id] = item
				}
			}
		} else {
			c.logf("initial snapshot fetch failed, replaying log: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx)
	return c, nil
}

func (c *Collection[T]) run(ctx context.Context) {
	defer close(c.done)
	delay := c.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateCatchingUp)
		if err := c.catchUp(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logf("catch-up failed: %v", err)
			c.setState(StateReconnecting)
			if waitWithContext(ctx, delay) != nil {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectMax)
			continue
		}

		stream, err := c.client.Listen(ctx, c.cfg.Router, c.currentCursor())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logf("listen dial failed: %v", err)
			c.setState(StateReconnecting)
			if waitWithContext(ctx, delay) != nil {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectMax)
			continue
		}
		c.setState(StateLive)
		delay = c.cfg.ReconnectBase

		for {
			event, err := stream.Next(ctx)
			if err != nil {
				_ = stream.Close()
				break
			}
			c.apply(event)
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
		if waitWithContext(ctx, delay) != nil {
			return
		}
		delay = nextDelay(delay, c.cfg.ReconnectMax)
	}
}

func (c *Collection[T]) catchUp(ctx context.Context) error {
	events, err := c.client.ListEvents(ctx, c.cfg.Router, c.currentCursor())
	if err != nil {
		return err
	}
	for _, event := range events {
		c.apply(event)
	}
	return nil
}

// apply folds one authoritative event into the confirmed state. Events are
// idempotent at the record level, so replayed or duplicated deliveries are
// skipped by cursor comparison.
func (c *Collection[T]) apply(event tripsync.Event) {
	c.mu.Lock()
	if event.ID <= c.cursor {
		c.mu.Unlock()
		return
	}
	id := tripsync.EntityID(event.Data)
	switch event.Action {
	case tripsync.ActionInsert, tripsync.ActionUpdate:
		if id != "" {
			c.confirmed[id] = append(json.RawMessage(nil), event.Data...)
		}
	case tripsync.ActionDelete:
		if id != "" {
			delete(c.confirmed, id)
		}
	}
	c.cursor = event.ID
	if records, ok := c.pending[id]; ok {
		kept := records[:0]
		for _, p := range records {
			if p.confirmedID != 0 && event.ID >= p.confirmedID {
				continue
			}
			kept = append(kept, p)
		}
		c.setPendingLocked(id, kept)
	}
	c.prunePendingLocked(time.Now())
	c.persistLocked()
	c.mu.Unlock()
	c.signalChanged()
}

func (c *Collection[T]) prunePendingLocked(now time.Time) {
	for id, records := range c.pending {
		kept := records[:0]
		for _, p := range records {
			if now.Sub(p.submittedAt) < c.cfg.GracePeriod {
				kept = append(kept, p)
				continue
			}
			// Accepted but the confirming event never arrived: fold the
			// server snapshot in rather than losing the accepted write.
			// Unanswered records just expire.
			if p.confirmedID != 0 && !p.deleted && p.data != nil {
				c.confirmed[id] = p.data
			}
		}
		c.setPendingLocked(id, kept)
	}
}

func (c *Collection[T]) setPendingLocked(id string, records []*pendingRecord) {
	if len(records) == 0 {
		delete(c.pending, id)
		return
	}
	c.pending[id] = records
}

func (c *Collection[T]) enqueuePendingLocked(id string, p *pendingRecord) {
	c.pending[id] = append(c.pending[id], p)
}

// removePendingLocked drops one specific in-flight record, leaving any
// others on the same id untouched.
func (c *Collection[T]) removePendingLocked(id string, p *pendingRecord) bool {
	records := c.pending[id]
	for i, candidate := range records {
		if candidate == p {
			c.setPendingLocked(id, append(records[:i], records[i+1:]...))
			return true
		}
	}
	return false
}

func (c *Collection[T]) persistLocked() {
	snapshot := Snapshot{
		Items:              c.confirmed,
		LastAppliedEventID: c.cursor,
	}
	if err := c.store.Save(c.cfg.Router, snapshot); err != nil {
		c.logf("snapshot save failed: %v", err)
	}
}

func (c *Collection[T]) Insert(ctx context.Context, item T) (*Mutation, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	id := c.cfg.IDOf(item)
	if id == "" {
		id = c.cfg.NewID()
		payload, err = withID(payload, id)
		if err != nil {
			return nil, err
		}
	}

	rec := &pendingRecord{data: payload, submittedAt: time.Now()}
	c.mu.Lock()
	c.enqueuePendingLocked(id, rec)
	c.mu.Unlock()
	c.signalChanged()

	mutation := newMutation()
	go c.submit(mutation, id, rec, func() (tripsync.MutationResult, error) {
		return c.client.Create(ctx, c.cfg.Router, payload)
	})
	return mutation, nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, patch json.RawMessage) (*Mutation, error) {
	c.mu.Lock()
	base, ok := c.visibleLocked(id)
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	merged, err := shallowMerge(base, patch, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	rec := &pendingRecord{data: merged, submittedAt: time.Now()}
	c.enqueuePendingLocked(id, rec)
	c.mu.Unlock()
	c.signalChanged()

	mutation := newMutation()
	go c.submit(mutation, id, rec, func() (tripsync.MutationResult, error) {
		return c.client.Update(ctx, c.cfg.Router, id, patch)
	})
	return mutation, nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) (*Mutation, error) {
	c.mu.Lock()
	if _, ok := c.visibleLocked(id); !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	rec := &pendingRecord{deleted: true, submittedAt: time.Now()}
	c.enqueuePendingLocked(id, rec)
	c.mu.Unlock()
	c.signalChanged()

	mutation := newMutation()
	go c.submit(mutation, id, rec, func() (tripsync.MutationResult, error) {
		return c.client.Delete(ctx, c.cfg.Router, id)
	})
	return mutation, nil
}

// submit runs the remote call behind an optimistic apply. Only a definitive
// server answer rolls the overlay back: an HTTP rejection means the mutation
// was not committed. A transport or context failure leaves the record in
// place, since the server may have committed anyway; the next matching event
// or the grace period resolves it either way.
func (c *Collection[T]) submit(mutation *Mutation, id string, rec *pendingRecord, call func() (tripsync.MutationResult, error)) {
	result, err := call()
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			c.mu.Lock()
			removed := c.removePendingLocked(id, rec)
			c.mu.Unlock()
			if removed {
				c.signalChanged()
			}
		}
		mutation.resolve(tripsync.MutationResult{}, err)
		return
	}
	c.mu.Lock()
	rec.confirmedID = result.EventID
	if !rec.deleted && len(result.Item) > 0 {
		rec.data = result.Item
	}
	// The confirming event can land before this response does.
	if c.cursor >= result.EventID {
		c.removePendingLocked(id, rec)
	}
	c.mu.Unlock()
	c.signalChanged()
	mutation.resolve(result, nil)
}

func (c *Collection[T]) visibleLocked(id string) (json.RawMessage, bool) {
	if records := c.pending[id]; len(records) > 0 {
		p := records[len(records)-1]
		if p.deleted {
			return nil, false
		}
		return p.data, true
	}
	data, ok := c.confirmed[id]
	return data, ok
}

func (c *Collection[T]) Get(id string) (T, bool) {
	var zero T
	c.mu.Lock()
	data, ok := c.visibleLocked(id)
	c.mu.Unlock()
	if !ok {
		return zero, false
	}
	item, err := c.cfg.Decode(data)
	if err != nil {
		c.logf("decode %s/%s failed: %v", c.cfg.Router, id, err)
		return zero, false
	}
	return item, true
}

// Query returns every visible record passing the filter, ordered by id.
// A nil filter returns everything.
func (c *Collection[T]) Query(filter func(T) bool) []T {
	c.mu.Lock()
	ids := make([]string, 0, len(c.confirmed)+len(c.pending))
	seen := map[string]struct{}{}
	for id := range c.confirmed {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range c.pending {
		if _, dup := seen[id]; !dup {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	raw := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		if data, ok := c.visibleLocked(id); ok {
			raw = append(raw, data)
		}
	}
	c.mu.Unlock()

	out := make([]T, 0, len(raw))
	for _, data := range raw {
		item, err := c.cfg.Decode(data)
		if err != nil {
			c.logf("decode in %s failed: %v", c.cfg.Router, err)
			continue
		}
		if filter == nil || filter(item) {
			out = append(out, item)
		}
	}
	return out
}

// Watch returns a coalesced change signal: one pending tick however many
// changes landed since the last receive.
func (c *Collection[T]) Watch() <-chan struct{} {
	return c.changed
}

func (c *Collection[T]) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Collection[T]) Cursor() int64 {
	return c.currentCursor()
}

func (c *Collection[T]) Close() error {
	c.cancel()
	<-c.done
	c.mu.Lock()
	c.persistLocked()
	c.state = StateClosed
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(StateClosed)
	}
	return nil
}

func (c *Collection[T]) currentCursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Collection[T]) setState(state ConnState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
	c.signalChanged()
}

func (c *Collection[T]) signalChanged() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

func (c *Collection[T]) logf(format string, args ...any) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Printf(format, args...)
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withID(data json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

func shallowMerge(current, patch json.RawMessage, id string) (json.RawMessage, error) {
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, err
	}
	var overlay map[string]any
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, err
	}
	for key, value := range overlay {
		if value == nil {
			delete(base, key)
			continue
		}
		base[key] = value
	}
	base["id"] = id
	return json.Marshal(base)
}
