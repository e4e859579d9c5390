package courier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errNoAggregate = errors.New("apply: no aggregate command handler is running")

// AggregateOption configures an aggregate type at registration.
type AggregateOption func(*AggregateRepository)

// WithAggregateSnapshotTrigger feeds every event the aggregate type applies
// to t.
func WithAggregateSnapshotTrigger(t SnapshotTrigger) AggregateOption {
	return func(r *AggregateRepository) {
		r.trigger = t
	}
}

// AggregateRepository loads the event-sourced aggregates of one type and
// runs their command handlers.
//
// The processing flow of one command:
//  1. Read the aggregate's stream from the event store
//  2. Replay it through the event-sourcing handlers on a fresh instance
//  3. Run the command handler; events it applies are sourced at once
//  4. Publish the applied events with the next sequence numbers
//  5. Feed them to the aggregate type's snapshot trigger, if any
//
// Commands for one aggregate are serialized by the command bus.
type AggregateRepository struct {
	name     string
	factory  func() any
	sourcing []*HandlerDefinition
	store    EventStore
	events   *EventBus
	trigger  SnapshotTrigger
	logger   *zap.Logger
}

func newAggregateRepository(name string, factory func() any, defs []*HandlerDefinition, store EventStore, events *EventBus, logger *zap.Logger) *AggregateRepository {
	r := &AggregateRepository{
		name:    name,
		factory: factory,
		store:   store,
		events:  events,
		logger:  logger.With(zap.String("aggregate", name)),
	}
	for _, d := range defs {
		if d.kind == EventSourcingKind {
			r.sourcing = append(r.sourcing, d)
		}
	}
	return r
}

// Name returns the aggregate type name.
func (r *AggregateRepository) Name() string { return r.name }

// SnapshotTrigger returns the trigger of the aggregate type, or nil.
func (r *AggregateRepository) SnapshotTrigger() SnapshotTrigger { return r.trigger }

// Load replays the stream of id onto a new instance. version is the number
// of events replayed; zero means the aggregate does not exist yet.
func (r *AggregateRepository) Load(ctx context.Context, id string) (state any, version int64, err error) {
	stream, err := r.store.ReadEvents(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load %s %s: %w", r.name, id, err)
	}
	state = r.factory()
	replay := context.WithValue(ctx, aggregateScopeKey{}, (*aggregateScope)(nil))
	for _, e := range stream {
		if err := r.source(replay, state, e); err != nil {
			return nil, 0, fmt.Errorf("load %s %s: %w", r.name, id, err)
		}
	}
	return state, int64(len(stream)), nil
}

// source applies e to state through the first event-sourcing handler that
// takes it. An event no handler takes leaves the state unchanged.
func (r *AggregateRepository) source(ctx context.Context, state any, e Message) error {
	for _, d := range r.sourcing {
		if !d.CanHandle(e) {
			continue
		}
		_, invoked, err := d.invokeOn(ctx, state, e)
		if invoked || err != nil {
			return err
		}
	}
	return nil
}

// publish hands the events applied in s to the event bus. Handler failures
// are returned after the trigger has seen the events; a store failure
// means nothing was published.
func (r *AggregateRepository) publish(ctx context.Context, s *aggregateScope) error {
	if len(s.applied) == 0 {
		return nil
	}
	err := r.events.Publish(ctx, s.applied...)
	var perr *PublishError
	if err != nil && !errors.As(err, &perr) {
		return err
	}
	if r.trigger != nil {
		for range s.applied {
			r.trigger.OnEventHandled(ctx, s.id)
		}
	}
	r.logger.Debug("events applied",
		zap.String("aggregate_id", s.id),
		zap.Int64("version", s.version+int64(len(s.applied))),
	)
	return err
}

type aggregateScopeKey struct{}

// aggregateScope collects the events applied by a running command handler.
type aggregateScope struct {
	repo    *AggregateRepository
	state   any
	id      string
	version int64
	applied []Message
}

// Apply records payload as a new event of the aggregate whose command
// handler is running. The event is sourced onto the aggregate at once and
// published when the handler returns without error.
//
// Example:
//
//	func (o *Order) Ship(ctx context.Context, c ShipOrder) error {
//	    if o.shipped {
//	        return errors.New("already shipped")
//	    }
//	    return courier.Apply(ctx, OrderShipped{OrderID: c.OrderID})
//	}
func Apply(ctx context.Context, payload any) error {
	s, _ := ctx.Value(aggregateScopeKey{}).(*aggregateScope)
	if s == nil {
		return errNoAggregate
	}
	m := NewMessage(payload).WithAggregate(s.id, s.version+int64(len(s.applied)))
	if err := s.repo.source(ctx, s.state, m); err != nil {
		return err
	}
	s.applied = append(s.applied, m)
	return nil
}

// aggregateCommand adapts an aggregate command handler to CommandHandler.
type aggregateCommand struct {
	repo *AggregateRepository
	def  *HandlerDefinition
}

func (c aggregateCommand) Handle(ctx context.Context, m Message) (any, error) {
	if !c.def.CanHandle(m) {
		return nil, errNotInvoked
	}
	id := aggregateKey(m)
	if id == "" {
		return nil, fmt.Errorf("%w: command %s names no %s", ErrAggregateNotFound, m.Name(), c.repo.name)
	}

	state, version, err := c.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case c.def.creates && version > 0:
		return nil, fmt.Errorf("%w: %s %s", ErrAggregateExists, c.repo.name, id)
	case !c.def.creates && version == 0:
		return nil, fmt.Errorf("%w: %s %s", ErrAggregateNotFound, c.repo.name, id)
	}

	scope := &aggregateScope{repo: c.repo, state: state, id: id, version: version}
	result, invoked, err := c.def.invokeOn(context.WithValue(ctx, aggregateScopeKey{}, scope), state, m)
	if !invoked {
		return nil, errNotInvoked
	}
	if err != nil {
		return nil, err
	}
	if err := c.repo.publish(ctx, scope); err != nil {
		return nil, err
	}
	return result, nil
}

func (c aggregateCommand) String() string { return c.def.Signature() }
