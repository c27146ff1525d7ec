package tripsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Notifier receives post-commit fan-out signals. The Broadcaster implements
// it directly; a RedisNotifier bridges between instances.
type Notifier interface {
	Notify(router string, recipients []string)
}

// MutationResult carries the persisted snapshot and the event id assigned to
// the mutation's log entry.
type MutationResult struct {
	Item    json.RawMessage `json:"item"`
	EventID int64           `json:"eventId"`
}

type ServiceOptions struct {
	Routers  []RouterConfig
	Notifier Notifier
	// NewID overrides server-side id generation; tests pin it.
	NewID func() string
}

// Service validates, authorizes and applies client mutations. Each mutation
// runs authorization, entity write, recipient computation and event append as
// one Backend transaction; the Notifier is poked only after commit.
type Service struct {
	backend  Backend
	routers  map[string]RouterConfig
	notifier Notifier
	newID    func() string
}

func NewService(backend Backend, opts ServiceOptions) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if len(opts.Routers) == 0 {
		return nil, fmt.Errorf("at least one router is required")
	}
	routers := make(map[string]RouterConfig, len(opts.Routers))
	for _, cfg := range opts.Routers {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("router name is required")
		}
		if _, dup := routers[name]; dup {
			return nil, fmt.Errorf("duplicate router %s", name)
		}
		cfg.Name = name
		routers[name] = cfg
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		backend:  backend,
		routers:  routers,
		notifier: opts.Notifier,
		newID:    newID,
	}, nil
}

// Routers returns the registered router names.
func (s *Service) Routers() []string {
	names := make([]string, 0, len(s.routers))
	for name := range s.routers {
		names = append(names, name)
	}
	return names
}

func (s *Service) router(name string) (RouterConfig, error) {
	cfg, ok := s.routers[name]
	if !ok {
		return RouterConfig{}, ErrUnknownRouter
	}
	return cfg, nil
}

func (s *Service) List(ctx context.Context, router, userID string) ([]json.RawMessage, error) {
	if _, err := s.router(router); err != nil {
		return nil, err
	}
	return s.backend.ListEntities(ctx, router, userID)
}

func (s *Service) Events(ctx context.Context, router, userID string, afterID int64) ([]Event, error) {
	if _, err := s.router(router); err != nil {
		return nil, err
	}
	return s.backend.QueryEvents(ctx, router, userID, afterID)
}

func (s *Service) LatestEventID(ctx context.Context, router string) (int64, error) {
	if _, err := s.router(router); err != nil {
		return 0, err
	}
	return s.backend.LatestEventID(ctx, router)
}

func (s *Service) Create(ctx context.Context, router, actorUserID string, payload json.RawMessage) (MutationResult, error) {
	cfg, err := s.router(router)
	if err != nil {
		return MutationResult{}, err
	}
	if err := cfg.validate(payload); err != nil {
		return MutationResult{}, err
	}
	entityID := EntityID(payload)
	if entityID == "" {
		entityID = s.newID()
		payload, err = withEntityID(payload, entityID)
		if err != nil {
			return MutationResult{}, err
		}
	}
	aggregateID, err := cfg.aggregateOf(entityID, payload)
	if err != nil {
		return MutationResult{}, err
	}

	var result MutationResult
	var recipients []string
	err = s.backend.RunInTx(ctx, func(tx Tx) error {
		if _, err := tx.GetEntity(router, entityID); err == nil {
			return ErrConflict
		}
		if cfg.SelfAggregate {
			if err := tx.AddMember(aggregateID, actorUserID); err != nil {
				return err
			}
		} else if err := authorizeMember(tx, aggregateID, actorUserID); err != nil {
			return err
		}
		if err := tx.UpsertEntity(Entity{Router: router, ID: entityID, AggregateID: aggregateID, Data: payload}); err != nil {
			return err
		}
		members, err := tx.Members(aggregateID)
		if err != nil {
			return err
		}
		event, err := tx.AppendEvent(router, actorUserID, ActionInsert, payload, members)
		if err != nil {
			return err
		}
		recipients = members
		result = MutationResult{Item: payload, EventID: event.ID}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.notify(router, recipients)
	return result, nil
}

func (s *Service) Update(ctx context.Context, router, actorUserID, id string, patch json.RawMessage) (MutationResult, error) {
	cfg, err := s.router(router)
	if err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	var recipients []string
	err = s.backend.RunInTx(ctx, func(tx Tx) error {
		current, err := tx.GetEntity(router, id)
		if err != nil {
			return err
		}
		if err := authorizeMember(tx, current.AggregateID, actorUserID); err != nil {
			return err
		}
		merged, err := mergePatch(current.Data, patch, id)
		if err != nil {
			return err
		}
		if err := cfg.validate(merged); err != nil {
			return err
		}
		// The aggregate binding is fixed at create; a patch cannot move an
		// entity between aggregates.
		if err := tx.UpsertEntity(Entity{Router: router, ID: id, AggregateID: current.AggregateID, Data: merged}); err != nil {
			return err
		}
		members, err := tx.Members(current.AggregateID)
		if err != nil {
			return err
		}
		event, err := tx.AppendEvent(router, actorUserID, ActionUpdate, merged, members)
		if err != nil {
			return err
		}
		recipients = members
		result = MutationResult{Item: merged, EventID: event.ID}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.notify(router, recipients)
	return result, nil
}

func (s *Service) Delete(ctx context.Context, router, actorUserID, id string) (MutationResult, error) {
	if _, err := s.router(router); err != nil {
		return MutationResult{}, err
	}
	var result MutationResult
	var recipients []string
	err := s.backend.RunInTx(ctx, func(tx Tx) error {
		current, err := tx.GetEntity(router, id)
		if err != nil {
			return err
		}
		if err := authorizeMember(tx, current.AggregateID, actorUserID); err != nil {
			return err
		}
		if err := tx.DeleteEntity(router, id); err != nil {
			return err
		}
		members, err := tx.Members(current.AggregateID)
		if err != nil {
			return err
		}
		// Delete events carry the last snapshot so offline replicas can drop
		// the record without being able to fetch it.
		event, err := tx.AppendEvent(router, actorUserID, ActionDelete, current.Data, members)
		if err != nil {
			return err
		}
		recipients = members
		result = MutationResult{Item: current.Data, EventID: event.ID}
		return nil
	})
	if err != nil {
		return MutationResult{}, err
	}
	s.notify(router, recipients)
	return result, nil
}

// AddMember enrolls a user into an aggregate. Only current members may add;
// an aggregate nobody belongs to does not exist from the caller's view.
func (s *Service) AddMember(ctx context.Context, aggregateID, actorUserID, userID string) error {
	if strings.TrimSpace(aggregateID) == "" || strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}
	return s.backend.RunInTx(ctx, func(tx Tx) error {
		if err := authorizeMember(tx, aggregateID, actorUserID); err != nil {
			return err
		}
		return tx.AddMember(aggregateID, userID)
	})
}

func (s *Service) Members(ctx context.Context, aggregateID string) ([]string, error) {
	return s.backend.Members(ctx, aggregateID)
}

func (s *Service) notify(router string, recipients []string) {
	if s.notifier == nil || len(recipients) == 0 {
		return
	}
	s.notifier.Notify(router, recipients)
}

func authorizeMember(tx Tx, aggregateID, userID string) error {
	members, err := tx.Members(aggregateID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return ErrNotFound
	}
	for _, member := range members {
		if member == userID {
			return nil
		}
	}
	return ErrUnauthorized
}

func withEntityID(data json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, ErrInvalidInput
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// mergePatch applies a shallow JSON merge: patch fields overwrite current
// fields wholesale (last-writer-wins at the record level). The id is pinned.
func mergePatch(current, patch json.RawMessage, id string) (json.RawMessage, error) {
	var base map[string]any
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, ErrInvalidInput
	}
	var overlay map[string]any
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, ErrInvalidInput
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
