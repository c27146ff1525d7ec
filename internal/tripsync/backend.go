package tripsync

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Tx is the write surface available inside one atomic mutation. Entity
// changes and event appends made through the same Tx commit or roll back
// together.
type Tx interface {
	GetEntity(router, id string) (Entity, error)
	UpsertEntity(entity Entity) error
	DeleteEntity(router, id string) error
	Members(aggregateID string) ([]string, error)
	AddMember(aggregateID, userID string) error
	// AppendEvent persists the event with a freshly assigned router-scoped
	// monotonic id and snapshots the recipient set, immutable thereafter.
	AppendEvent(router, actorUserID string, action Action, data json.RawMessage, recipients []string) (Event, error)
}

// Backend owns the authoritative entity tables, the append-only event log and
// the aggregate membership table. It is an explicitly constructed resource
// handle passed into the Service and Broadcaster.
type Backend interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	GetEntity(ctx context.Context, router, id string) (Entity, error)
	// ListEntities returns the full snapshot visible to userID, ordered by id.
	ListEntities(ctx context.Context, router, userID string) ([]json.RawMessage, error)
	// QueryEvents returns all events with id > afterID visible to userID,
	// in ascending id order.
	QueryEvents(ctx context.Context, router, userID string, afterID int64) ([]Event, error)
	// LatestEventID returns the highest assigned event id for a router,
	// 0 when the log is empty. Used for "start from now" subscriptions.
	LatestEventID(ctx context.Context, router string) (int64, error)
	Members(ctx context.Context, aggregateID string) ([]string, error)
	Close() error
}

type storedEvent struct {
	event      Event
	recipients map[string]struct{}
}

// MemoryBackend is the in-process Backend. A single mutex serializes
// transactions; rollback restores a pre-transaction snapshot.
type MemoryBackend struct {
	mu       sync.Mutex
	entities map[string]map[string]Entity
	members  map[string]map[string]struct{}
	events   map[string][]storedEvent
	seq      map[string]int64
	closed   bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entities: map[string]map[string]Entity{},
		members:  map[string]map[string]struct{}{},
		events:   map[string][]storedEvent{},
		seq:      map[string]int64{},
	}
}

type memoryTx struct {
	b *MemoryBackend
}

func (b *MemoryBackend) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	snapshot := b.cloneLocked()
	if err := fn(&memoryTx{b: b}); err != nil {
		b.entities = snapshot.entities
		b.members = snapshot.members
		b.events = snapshot.events
		b.seq = snapshot.seq
		return err
	}
	return nil
}

type memorySnapshot struct {
	entities map[string]map[string]Entity
	members  map[string]map[string]struct{}
	events   map[string][]storedEvent
	seq      map[string]int64
}

func (b *MemoryBackend) cloneLocked() memorySnapshot {
	snap := memorySnapshot{
		entities: make(map[string]map[string]Entity, len(b.entities)),
		members:  make(map[string]map[string]struct{}, len(b.members)),
		events:   make(map[string][]storedEvent, len(b.events)),
		seq:      make(map[string]int64, len(b.seq)),
	}
	for router, byID := range b.entities {
		clone := make(map[string]Entity, len(byID))
		for id, entity := range byID {
			clone[id] = entity
		}
		snap.entities[router] = clone
	}
	for aggregate, users := range b.members {
		clone := make(map[string]struct{}, len(users))
		for user := range users {
			clone[user] = struct{}{}
		}
		snap.members[aggregate] = clone
	}
	for router, log := range b.events {
		snap.events[router] = append([]storedEvent(nil), log...)
	}
	for router, id := range b.seq {
		snap.seq[router] = id
	}
	return snap
}

func (tx *memoryTx) GetEntity(router, id string) (Entity, error) {
	entity, ok := tx.b.entities[router][id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return entity, nil
}

func (tx *memoryTx) UpsertEntity(entity Entity) error {
	if entity.Router == "" || entity.ID == "" {
		return ErrInvalidInput
	}
	byID, ok := tx.b.entities[entity.Router]
	if !ok {
		byID = map[string]Entity{}
		tx.b.entities[entity.Router] = byID
	}
	byID[entity.ID] = entity
	return nil
}

func (tx *memoryTx) DeleteEntity(router, id string) error {
	byID, ok := tx.b.entities[router]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byID[id]; !ok {
		return ErrNotFound
	}
	delete(byID, id)
	return nil
}

func (tx *memoryTx) Members(aggregateID string) ([]string, error) {
	return memberList(tx.b.members[aggregateID]), nil
}

func (tx *memoryTx) AddMember(aggregateID, userID string) error {
	if strings.TrimSpace(aggregateID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	users, ok := tx.b.members[aggregateID]
	if !ok {
		users = map[string]struct{}{}
		tx.b.members[aggregateID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (tx *memoryTx) AppendEvent(router, actorUserID string, action Action, data json.RawMessage, recipients []string) (Event, error) {
	if router == "" || actorUserID == "" {
		return Event{}, ErrInvalidInput
	}
	tx.b.seq[router]++
	event := Event{
		ID:          tx.b.seq[router],
		Router:      router,
		ActorUserID: actorUserID,
		Action:      action,
		Data:        append(json.RawMessage(nil), data...),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	set := make(map[string]struct{}, len(recipients))
	for _, user := range recipients {
		if user != "" {
			set[user] = struct{}{}
		}
	}
	tx.b.events[router] = append(tx.b.events[router], storedEvent{event: event, recipients: set})
	return event, nil
}

func (b *MemoryBackend) GetEntity(ctx context.Context, router, id string) (Entity, error) {
	if err := ctx.Err(); err != nil {
		return Entity{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entity, ok := b.entities[router][id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return entity, nil
}

func (b *MemoryBackend) ListEntities(ctx context.Context, router, userID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	visible := make([]Entity, 0)
	for _, entity := range b.entities[router] {
		if _, ok := b.members[entity.AggregateID][userID]; ok {
			visible = append(visible, entity)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].ID < visible[j].ID })
	items := make([]json.RawMessage, 0, len(visible))
	for _, entity := range visible {
		items = append(items, append(json.RawMessage(nil), entity.Data...))
	}
	return items, nil
}

func (b *MemoryBackend) QueryEvents(ctx context.Context, router, userID string, afterID int64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, 0)
	for _, stored := range b.events[router] {
		if stored.event.ID <= afterID {
			continue
		}
		if _, ok := stored.recipients[userID]; !ok {
			continue
		}
		event := stored.event
		event.Data = append(json.RawMessage(nil), stored.event.Data...)
		out = append(out, event)
	}
	return out, nil
}

func (b *MemoryBackend) LatestEventID(ctx context.Context, router string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[router], nil
}

func (b *MemoryBackend) Members(ctx context.Context, aggregateID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return memberList(b.members[aggregateID]), nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func memberList(users map[string]struct{}) []string {
	out := make([]string, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}
