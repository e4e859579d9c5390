package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventListener receives published events.
type EventListener interface {
	Handle(ctx context.Context, event Message) error
}

// EventListenerFunc is a function adapter for EventListener.
type EventListenerFunc func(ctx context.Context, event Message) error

// Handle implements EventListener.
func (f EventListenerFunc) Handle(ctx context.Context, event Message) error {
	return f(ctx, event)
}

// selectiveListener is implemented by listeners that only handle some
// events. canHandle is a cheap type check; handleEvent reports whether the
// listener actually ran.
type selectiveListener interface {
	canHandle(event Message) bool
	handleEvent(ctx context.Context, event Message) (bool, error)
}

// Subscription is returned by EventBus.Subscribe.
type Subscription struct {
	bus  *EventBus
	id   uint64
	once sync.Once
}

// Cancel removes the listener. Events published afterwards no longer reach
// it; a Publish already in flight may still deliver to it. Cancel is
// idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.unsubscribe(s.id) })
}

type subscriber struct {
	id       uint64
	listener EventListener
	label    string
}

// EventBus fans every published event out to all subscribed listeners.
//
// The processing flow of one Publish call:
//  1. Enrich every event with correlation data from the message in ctx
//  2. Append the events to the event store, if any
//  3. Deliver the events, in order, to each subscriber
//  4. Feed domain events to the snapshot trigger, if any
//  5. Report every handler failure in one *PublishError
//
// A failing listener never stops delivery to the others. EventBus is safe
// for concurrent use.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber // replaced, never mutated
	nextID uint64

	correlation Correlation
	hooks       *hooks
	logger      *zap.Logger
	store       EventStore
	trigger     SnapshotTrigger

	// parallel is zero for sequential delivery, otherwise the errgroup limit.
	parallel int
}

func newEventBus(correlation Correlation, h *hooks, logger *zap.Logger, store EventStore, trigger SnapshotTrigger, parallel int) *EventBus {
	return &EventBus{
		correlation: correlation,
		hooks:       h,
		logger:      logger,
		store:       store,
		trigger:     trigger,
		parallel:    parallel,
	}
}

// Subscribe adds l to the bus.
func (b *EventBus) Subscribe(l EventListener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	subs := make([]subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, subscriber{id: b.nextID, listener: l, label: label(l)})
	return &Subscription{bus: b, id: b.nextID}
}

func (b *EventBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subs = subs
}

// Len returns the number of subscribed listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers events to every eligible listener. Each listener sees
// the events in the order given. Handler failures are collected and
// returned as a *PublishError once delivery has finished; an event store
// failure aborts the call before any delivery.
func (b *EventBus) Publish(ctx context.Context, events ...Message) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	batch := make([]Message, len(events))
	ctxs := make([]context.Context, len(events))
	for i, e := range events {
		batch[i] = b.correlation.Enrich(ctx, e)
		ctxs[i] = b.hooks.receive(ctx, EventKind, batch[i].Name())
	}

	if b.store != nil {
		if err := b.store.Append(ctx, batch...); err != nil {
			err = fmt.Errorf("append events: %w", err)
			for i, e := range batch {
				b.hooks.complete(ctxs[i], EventKind, e.Name(), err, time.Since(start))
			}
			return err
		}
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	var (
		mu      sync.Mutex
		errs    = make([]error, len(batch))
		handled = make([]bool, len(batch))
	)
	run := func(s subscriber) {
		for i, e := range batch {
			ok, err := b.deliver(ctxs[i], s, e)
			if !ok && err == nil {
				continue
			}
			mu.Lock()
			handled[i] = handled[i] || ok
			errs[i] = multierr.Append(errs[i], err)
			mu.Unlock()
		}
	}

	if b.parallel != 0 && len(subs) > 1 {
		g := new(errgroup.Group)
		g.SetLimit(b.parallel)
		for _, s := range subs {
			g.Go(func() error {
				run(s)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, s := range subs {
			run(s)
		}
	}

	var all error
	for i, e := range batch {
		if !handled[i] && errs[i] == nil {
			_, _ = b.hooks.noHandler(ctxs[i], EventKind, e.Name())
		}
		if b.trigger != nil && e.AggregateID() != "" {
			b.trigger.OnEventHandled(ctx, e.AggregateID())
		}
		b.hooks.complete(ctxs[i], EventKind, e.Name(), errs[i], time.Since(start))
		all = multierr.Append(all, errs[i])
	}
	if all == nil {
		return nil
	}
	return &PublishError{errs: multierr.Errors(all)}
}

// deliver hands e to one subscriber. ok is false when the subscriber
// skipped the event.
func (b *EventBus) deliver(ctx context.Context, s subscriber, e Message) (ok bool, err error) {
	sel, selective := s.listener.(selectiveListener)
	if selective && !sel.canHandle(e) {
		return false, nil
	}

	b.hooks.dispatch(ctx, EventKind, e.Name(), s.label)
	hctx := withCurrentMessage(ctx, e)
	start := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				ok, err = true, &InvocationError{Handler: s.label, Message: e.Name(), Err: &panicError{value: r}}
			}
		}()
		if selective {
			ok, err = sel.handleEvent(hctx, e)
			return
		}
		ok, err = true, s.listener.Handle(hctx, e)
	}()
	if !ok {
		return false, nil
	}

	if err != nil {
		var ierr *InvocationError
		if !errors.As(err, &ierr) {
			err = &InvocationError{Handler: s.label, Message: e.Name(), Err: err}
		}
		b.logger.Debug("event handler failed",
			zap.String("event", e.Name()),
			zap.String("handler", s.label),
			zap.Error(err),
		)
	}
	b.hooks.result(ctx, EventKind, e.Name(), s.label, err, time.Since(start))
	return true, err
}

// definitionListener adapts an event HandlerDefinition to EventListener.
type definitionListener struct {
	def *HandlerDefinition
}

func (l definitionListener) Handle(ctx context.Context, e Message) error {
	_, err := l.handleEvent(ctx, e)
	return err
}

func (l definitionListener) canHandle(e Message) bool { return l.def.CanHandle(e) }

func (l definitionListener) handleEvent(ctx context.Context, e Message) (bool, error) {
	if !l.def.CanHandle(e) {
		return false, nil
	}
	_, invoked, err := l.def.Invoke(ctx, e)
	return invoked, err
}

func (l definitionListener) String() string { return l.def.Signature() }

func (m *SagaManager) canHandle(e Message) bool {
	for _, d := range m.defs {
		if d.CanHandle(e) {
			return true
		}
	}
	return false
}
