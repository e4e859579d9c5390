package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errNotInvoked marks a handler that was skipped because a parameter was
// absent for the message.
var errNotInvoked = errors.New("handler not invoked")

// CommandHandler handles commands of one name.
type CommandHandler interface {
	Handle(ctx context.Context, command Message) (any, error)
}

// CommandHandlerFunc is a function adapter for CommandHandler.
type CommandHandlerFunc func(ctx context.Context, command Message) (any, error)

// Handle implements CommandHandler.
func (f CommandHandlerFunc) Handle(ctx context.Context, command Message) (any, error) {
	return f(ctx, command)
}

// TargetAggregate is implemented by command payloads addressing one
// aggregate instance. Commands for the same aggregate never run
// concurrently.
type TargetAggregate interface {
	TargetAggregateIdentifier() string
}

// CommandBus routes every command to the single handler subscribed to its
// name.
//
// The processing flow:
//  1. Enrich the command with correlation data from the message in ctx
//  2. Call the receive hooks
//  3. Look up the handler by command name
//  4. Serialize on the target aggregate, if any. Commands dispatched
//     from a handler holding the aggregate, directly or through events it
//     publishes, re-enter the lock instead of waiting for it
//  5. Call the handler and the result hooks
//
// CommandBus is safe for concurrent use.
type CommandBus struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler

	correlation Correlation
	hooks       *hooks
	logger      *zap.Logger
	locks       *keyedMutex

	// exec is nil when commands run on the caller's goroutine.
	exec *errgroup.Group
}

func newCommandBus(correlation Correlation, h *hooks, logger *zap.Logger, asyncLimit int) *CommandBus {
	b := &CommandBus{
		handlers:    make(map[string]CommandHandler),
		correlation: correlation,
		hooks:       h,
		logger:      logger,
		locks:       newKeyedMutex(),
	}
	if asyncLimit != 0 {
		b.exec = new(errgroup.Group)
		b.exec.SetLimit(asyncLimit)
	}
	return b
}

// Subscribe makes h the handler of commands named name. A second
// subscription for the same name fails with a *DuplicateRegistrationError.
func (b *CommandBus) Subscribe(name string, h CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[name]; ok {
		return &DuplicateRegistrationError{Name: name}
	}
	b.handlers[name] = h
	b.logger.Debug("command handler subscribed", zap.String("command", name), zap.String("handler", label(h)))
	return nil
}

func (b *CommandBus) unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// Dispatch runs the handler of m on the caller's goroutine and returns its
// result. It fails with a *NoHandlerError when no handler is eligible and
// with an *InvocationError when the handler fails.
func (b *CommandBus) Dispatch(ctx context.Context, m Message) (any, error) {
	m = b.correlation.Enrich(ctx, m)
	name := m.Name()

	start := time.Now()
	ctx = b.hooks.receive(ctx, CommandKind, name)
	result, err := b.dispatch(ctx, m)
	b.hooks.complete(ctx, CommandKind, name, err, time.Since(start))
	return result, err
}

// DispatchAsync dispatches m and returns its completion signal. On a
// synchronous bus the command has completed when DispatchAsync returns.
// On an asynchronous bus the command runs on the bounded executor and is
// detached from ctx cancellation; DispatchAsync blocks while the executor
// is full. An asynchronous command does not share the aggregate locks of
// the handler dispatching it, so waiting on its Future from inside a
// handler of the same aggregate never returns.
func (b *CommandBus) DispatchAsync(ctx context.Context, m Message) *Future {
	if b.exec == nil {
		return completedFuture(b.Dispatch(ctx, m))
	}
	f := newFuture()
	ctx = detachLocks(context.WithoutCancel(ctx))
	b.exec.Go(func() error {
		f.complete(b.Dispatch(ctx, m))
		return nil
	})
	return f
}

// Async reports whether commands run on the executor.
func (b *CommandBus) Async() bool { return b.exec != nil }

// Len returns the number of subscribed command names.
func (b *CommandBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *CommandBus) dispatch(ctx context.Context, m Message) (any, error) {
	name := m.Name()
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, b.noHandler(ctx, name, "")
	}

	if key := aggregateKey(m); key != "" {
		var unlock func()
		ctx, unlock = b.locks.Lock(ctx, key)
		defer unlock()
	}

	handler := label(h)
	b.hooks.dispatch(ctx, CommandKind, name, handler)

	start := time.Now()
	result, err := invokeCommand(withCurrentMessage(ctx, m), h, m, handler)
	if errors.Is(err, errNotInvoked) {
		return nil, b.noHandler(ctx, name, "handler parameters could not be resolved")
	}
	b.hooks.result(ctx, CommandKind, name, handler, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *CommandBus) noHandler(ctx context.Context, name, reason string) error {
	hooked, err := b.hooks.noHandler(ctx, CommandKind, name)
	if hooked {
		return err
	}
	b.logger.Debug("no command handler", zap.String("command", name), zap.String("reason", reason))
	return &NoHandlerError{Name: name, Reason: reason}
}

// invokeCommand calls h, turning panics and bare errors into
// *InvocationError.
func invokeCommand(ctx context.Context, h CommandHandler, m Message, handler string) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &InvocationError{Handler: handler, Message: m.Name(), Err: &panicError{value: r}}
		}
	}()
	result, err = h.Handle(ctx, m)
	if err == nil || errors.Is(err, errNotInvoked) {
		return result, err
	}
	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		err = &InvocationError{Handler: handler, Message: m.Name(), Err: err}
	}
	return nil, err
}

// wait blocks until every asynchronous command has completed or ctx ends.
func (b *CommandBus) wait(ctx context.Context) error {
	if b.exec == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = b.exec.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// definitionCommand adapts a command HandlerDefinition to CommandHandler.
type definitionCommand struct {
	def *HandlerDefinition
}

func (c definitionCommand) Handle(ctx context.Context, m Message) (any, error) {
	if !c.def.CanHandle(m) {
		return nil, errNotInvoked
	}
	result, invoked, err := c.def.Invoke(ctx, m)
	if !invoked {
		return nil, errNotInvoked
	}
	return result, err
}

func (c definitionCommand) String() string { return c.def.Signature() }

// aggregateKey returns the aggregate a command targets, if any.
func aggregateKey(m Message) string {
	if id := m.AggregateID(); id != "" {
		return id
	}
	if t, ok := m.Payload().(TargetAggregate); ok {
		return t.TargetAggregateIdentifier()
	}
	return ""
}

func label(h any) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}
