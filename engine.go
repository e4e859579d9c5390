package courier

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Option configures an Engine.
type Option func(*Engine)

// Engine wires the registry, the resolver chain, the correlation chain and
// the buses together.
//
// Usage:
//  1. Create an engine with New
//  2. Register components with RegisterComponent and sagas with RegisterSaga
//  3. Dispatch commands with DispatchCommand and publish events with Publish
//
// Registration must finish before dispatch begins. After that Engine is
// safe for concurrent use.
type Engine struct {
	logger     *zap.Logger
	factories  []ResolverFactory
	resources  []any
	providers  []CorrelationDataProvider
	serializer Serializer
	store      EventStore
	trigger    SnapshotTrigger
	asyncLimit int
	parallel   int
	hooks      hooks

	resolver    *MultiResolverFactory
	correlation Correlation
	registry    *Registry
	commands    *CommandBus
	events      *EventBus

	mu         sync.RWMutex
	sagas      map[string]*SagaManager
	aggregates map[string]*AggregateRepository
}

// New creates an Engine with the given options.
//
// Without WithCorrelationDataProvider the engine uses MessageOriginProvider.
// Without WithSerializer raw payloads are decoded as JSON.
//
// Example:
//
//	engine := courier.New(
//	    courier.WithLogger(logger),
//	    courier.WithResources(db, clock),
//	    courier.WithOnFailure(func(ctx context.Context, kind courier.HandlerKind, name, handler string, err error, d time.Duration) {
//	        logger.Warn("handler failed", zap.String("handler", handler), zap.Error(err))
//	    }),
//	)
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:     zap.NewNop(),
		serializer: JSONSerializer(),
		sagas:      make(map[string]*SagaManager),
		aggregates: make(map[string]*AggregateRepository),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.providers == nil {
		e.providers = []CorrelationDataProvider{MessageOriginProvider()}
	}

	chain := append(append([]ResolverFactory(nil), e.factories...), builtinFactories(e.serializer, e.resources)...)
	e.resolver = NewMultiResolverFactory(chain...)
	e.correlation = NewCorrelation(e.providers...)
	e.registry = NewRegistry(e.resolver, e.logger)
	e.commands = newCommandBus(e.correlation, &e.hooks, e.logger, e.asyncLimit)
	e.events = newEventBus(e.correlation, &e.hooks, e.logger, e.store, e.trigger, e.parallel)
	return e
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithResolverFactory adds a resolver factory ahead of the built-in ones.
// Factories are tried in the order they were added.
func WithResolverFactory(f ResolverFactory) Option {
	return func(e *Engine) {
		e.factories = append(e.factories, f)
	}
}

// WithResources adds values injected into handler parameters of an
// assignable type.
func WithResources(values ...any) Option {
	return func(e *Engine) {
		e.resources = append(e.resources, values...)
	}
}

// WithCorrelationDataProvider adds a provider to the correlation chain.
// Later providers override earlier ones on key collision. Adding any
// provider replaces the default MessageOriginProvider.
func WithCorrelationDataProvider(p CorrelationDataProvider) Option {
	return func(e *Engine) {
		e.providers = append(e.providers, p)
	}
}

// WithEventStore appends every published event to s before delivery.
func WithEventStore(s EventStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithSnapshotTrigger feeds every published domain event to t. Use
// WithAggregateSnapshotTrigger to decide per aggregate type instead.
func WithSnapshotTrigger(t SnapshotTrigger) Option {
	return func(e *Engine) {
		e.trigger = t
	}
}

// WithSerializer sets the serializer that decodes raw payloads.
func WithSerializer(s Serializer) Option {
	return func(e *Engine) {
		e.serializer = s
	}
}

// WithAsyncCommands runs DispatchCommandAsync on an executor of at most
// limit goroutines. A limit below one means no limit.
func WithAsyncCommands(limit int) Option {
	return func(e *Engine) {
		if limit < 1 {
			limit = -1
		}
		e.asyncLimit = limit
	}
}

// WithParallelPublish delivers events to subscribers concurrently, at most
// limit at a time. A limit below one means no limit.
func WithParallelPublish(limit int) Option {
	return func(e *Engine) {
		if limit < 1 {
			limit = -1
		}
		e.parallel = limit
	}
}

// RegisterComponent declares handlers on component and attaches them to the
// buses. Command handlers subscribe to the command bus under their message
// name; event handlers subscribe to the event bus. Saga handlers must be
// registered with RegisterSaga and event-sourcing handlers with
// RegisterAggregate.
//
// Registration is all or nothing: when any declaration fails, or a command
// name already has a handler, nothing of component is registered.
//
// Example:
//
//	err := engine.RegisterComponent(&Orders{},
//	    courier.CommandHandler("Place"),
//	    courier.EventHandler("OnShipped"),
//	)
func (e *Engine) RegisterComponent(component any, decls ...Declaration) error {
	for _, d := range decls {
		switch d.Kind {
		case SagaEventKind:
			return fmt.Errorf("%w: %s is a saga handler; use RegisterSaga", ErrInvalidHandler, d.Method)
		case EventSourcingKind:
			return fmt.Errorf("%w: %s is an event-sourcing handler; use RegisterAggregate", ErrInvalidHandler, d.Method)
		}
	}
	reg, err := e.registry.prepare(component, decls)
	if err != nil {
		return err
	}
	return e.attach(reg, func(def *HandlerDefinition) CommandHandler {
		return definitionCommand{def: def}
	})
}

// attach subscribes the handlers of reg and commits it to the registry.
// When a command name is already taken, the commands subscribed so far are
// withdrawn and nothing is committed.
func (e *Engine) attach(reg *registration, command func(*HandlerDefinition) CommandHandler) error {
	var subscribed []string
	for _, def := range reg.defs {
		if def.Kind() != CommandKind {
			continue
		}
		if err := e.commands.Subscribe(def.Name(), command(def)); err != nil {
			for _, name := range subscribed {
				e.commands.unsubscribe(name)
			}
			return err
		}
		subscribed = append(subscribed, def.Name())
	}
	for _, def := range reg.defs {
		if def.Kind() == EventKind {
			e.events.Subscribe(definitionListener{def: def})
		}
	}
	e.registry.commit(reg)
	return nil
}

// RegisterSaga declares the saga type name. factory creates a new saga
// value for every started instance; decls must be saga event handlers on
// that value's type.
//
// Example:
//
//	_, err := engine.RegisterSaga("fulfilment", func() any { return &Fulfilment{} },
//	    courier.SagaEventHandler("OnPlaced", "OrderID", courier.StartsSaga()),
//	    courier.SagaEventHandler("OnShipped", "OrderID", courier.EndsSaga()),
//	)
func (e *Engine) RegisterSaga(name string, factory func() any, decls ...Declaration) (*SagaManager, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: saga %q has no factory", ErrInvalidHandler, name)
	}
	for _, d := range decls {
		if d.Kind != SagaEventKind {
			return nil, fmt.Errorf("%w: saga %q declares %s handler %s", ErrInvalidHandler, name, d.Kind, d.Method)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sagas[name]; ok {
		return nil, fmt.Errorf("%w: saga %q registered twice", ErrDuplicateDeclaration, name)
	}
	reg, err := e.registry.prepare(factory(), decls)
	if err != nil {
		return nil, err
	}
	m := NewSagaManager(name, factory, reg.defs, e.logger)
	e.registry.commit(reg)
	e.sagas[name] = m
	e.events.Subscribe(m)
	return m, nil
}

// RegisterAggregate declares the event-sourced aggregate type name. factory
// creates the empty state every instance is replayed onto; decls are its
// command and event-sourcing handlers. The engine needs an event store.
//
// Commands must name the aggregate they target, through the message's
// aggregate id or a TargetAggregate payload.
//
// Example:
//
//	_, err := engine.RegisterAggregate("order", func() any { return &Order{} },
//	    []courier.Declaration{
//	        courier.CommandHandler("Place", courier.CreatesAggregate()),
//	        courier.CommandHandler("Ship"),
//	        courier.EventSourcingHandler("OnPlaced"),
//	    },
//	    courier.WithAggregateSnapshotTrigger(courier.NewEventCountSnapshotTrigger(snapshotter, 50)),
//	)
func (e *Engine) RegisterAggregate(name string, factory func() any, decls []Declaration, opts ...AggregateOption) (*AggregateRepository, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: aggregate %q has no factory", ErrInvalidHandler, name)
	}
	if e.store == nil {
		return nil, fmt.Errorf("%w: aggregate %q needs an event store", ErrInvalidHandler, name)
	}
	for _, d := range decls {
		if d.Kind != CommandKind && d.Kind != EventSourcingKind {
			return nil, fmt.Errorf("%w: aggregate %q declares %s handler %s", ErrInvalidHandler, name, d.Kind, d.Method)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.aggregates[name]; ok {
		return nil, fmt.Errorf("%w: aggregate %q registered twice", ErrDuplicateDeclaration, name)
	}
	reg, err := e.registry.prepare(factory(), decls)
	if err != nil {
		return nil, err
	}
	repo := newAggregateRepository(name, factory, reg.defs, e.store, e.events, e.logger)
	for _, opt := range opts {
		opt(repo)
	}
	err = e.attach(reg, func(def *HandlerDefinition) CommandHandler {
		return aggregateCommand{repo: repo, def: def}
	})
	if err != nil {
		return nil, err
	}
	e.aggregates[name] = repo
	return repo, nil
}

// DispatchCommand dispatches m and blocks until its handler has completed.
func (e *Engine) DispatchCommand(ctx context.Context, m Message) (any, error) {
	return e.commands.Dispatch(ctx, m)
}

// DispatchCommandAsync dispatches m and returns its completion signal.
// See CommandBus.DispatchAsync.
func (e *Engine) DispatchCommandAsync(ctx context.Context, m Message) *Future {
	return e.commands.DispatchAsync(ctx, m)
}

// Publish delivers events to every subscribed listener and saga.
func (e *Engine) Publish(ctx context.Context, events ...Message) error {
	return e.events.Publish(ctx, events...)
}

// Subscribe adds a listener to the event bus.
func (e *Engine) Subscribe(l EventListener) *Subscription {
	return e.events.Subscribe(l)
}

// HandlerCount returns the number of registered handlers of kind.
func (e *Engine) HandlerCount(kind HandlerKind) int {
	return len(e.registry.Handlers(kind))
}

// SagaCount returns the number of Active instances of the saga type name.
func (e *Engine) SagaCount(name string) int {
	m, ok := e.Saga(name)
	if !ok {
		return 0
	}
	return m.ActiveCount()
}

// Saga returns the manager of the saga type name.
func (e *Engine) Saga(name string) (*SagaManager, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.sagas[name]
	return m, ok
}

// Sagas returns the registered saga type names in sorted order.
func (e *Engine) Sagas() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.sagas))
	for n := range e.sagas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Aggregate returns the repository of the aggregate type name.
func (e *Engine) Aggregate(name string) (*AggregateRepository, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.aggregates[name]
	return r, ok
}

// Aggregates returns the registered aggregate type names in sorted order.
func (e *Engine) Aggregates() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.aggregates))
	for n := range e.aggregates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Correlation returns the correlation chain applied to every message.
func (e *Engine) Correlation() Correlation { return e.correlation }

// ResolverFactory returns the full resolver chain, user factories first.
func (e *Engine) ResolverFactory() *MultiResolverFactory { return e.resolver }

// Registry returns the handler registry.
func (e *Engine) Registry() *Registry { return e.registry }

// CommandBus returns the command bus.
func (e *Engine) CommandBus() *CommandBus { return e.commands }

// EventBus returns the event bus.
func (e *Engine) EventBus() *EventBus { return e.events }

// EventStore returns the configured event store, or nil.
func (e *Engine) EventStore() EventStore { return e.store }

// Shutdown waits for asynchronously dispatched commands to complete.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.commands.wait(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	e.logger.Debug("engine stopped")
	return nil
}
