package courier

import (
	"context"
	"time"
)

// OnReceiveFunc is called when a command or event enters a bus, after
// correlation enrichment. Use this to enrich the context with logging
// fields or trace spans. The returned context is used for the rest of the
// message's processing.
type OnReceiveFunc func(ctx context.Context, kind HandlerKind, name string) context.Context

// OnDispatchFunc is called just before a handler executes.
type OnDispatchFunc func(ctx context.Context, kind HandlerKind, name, handler string)

// OnSuccessFunc is called after a handler completes successfully.
type OnSuccessFunc func(ctx context.Context, kind HandlerKind, name, handler string, duration time.Duration)

// OnFailureFunc is called after a handler fails.
type OnFailureFunc func(ctx context.Context, kind HandlerKind, name, handler string, err error, duration time.Duration)

// OnNoHandlerFunc is called when no handler was eligible for a message.
// For commands, return nil to skip the command, return an error to fail.
// For events the return value is ignored.
type OnNoHandlerFunc func(ctx context.Context, kind HandlerKind, name string) error

// OnCompleteFunc is called once a message has been fully processed, with
// the error returned to the caller for commands or the aggregated handler
// errors for that event.
type OnCompleteFunc func(ctx context.Context, kind HandlerKind, name string, err error, duration time.Duration)

// hooks holds all configured hook functions.
type hooks struct {
	onReceive   []OnReceiveFunc
	onDispatch  []OnDispatchFunc
	onSuccess   []OnSuccessFunc
	onFailure   []OnFailureFunc
	onNoHandler []OnNoHandlerFunc
	onComplete  []OnCompleteFunc
}

// WithOnReceive adds a hook called when a message enters a bus.
// Multiple hooks are called in order, with context chaining through each.
//
// Example:
//
//	courier.WithOnReceive(func(ctx context.Context, kind courier.HandlerKind, name string) context.Context {
//	    span := trace.SpanFromContext(ctx)
//	    span.SetAttributes(attribute.String("courier.message", name))
//	    return ctx
//	})
func WithOnReceive(fn OnReceiveFunc) Option {
	return func(e *Engine) {
		e.hooks.onReceive = append(e.hooks.onReceive, fn)
	}
}

// WithOnDispatch adds a hook called just before a handler executes.
// Multiple hooks are called in order.
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(e *Engine) {
		e.hooks.onDispatch = append(e.hooks.onDispatch, fn)
	}
}

// WithOnSuccess adds a hook called after a handler completes successfully.
// Multiple hooks are called in order.
//
// Example:
//
//	courier.WithOnSuccess(func(ctx context.Context, kind courier.HandlerKind, name, handler string, d time.Duration) {
//	    handlerSeconds.WithLabelValues(kind.String(), name).Observe(d.Seconds())
//	})
func WithOnSuccess(fn OnSuccessFunc) Option {
	return func(e *Engine) {
		e.hooks.onSuccess = append(e.hooks.onSuccess, fn)
	}
}

// WithOnFailure adds a hook called after a handler fails.
// Multiple hooks are called in order.
func WithOnFailure(fn OnFailureFunc) Option {
	return func(e *Engine) {
		e.hooks.onFailure = append(e.hooks.onFailure, fn)
	}
}

// WithOnNoHandler adds a hook called when no handler was eligible.
// Multiple hooks are called in order; first error wins.
//
// Installing a hook takes over the outcome of an unroutable command:
// DispatchCommand returns the first hook error, or a nil result and nil
// error when every hook returns nil. Without hooks such a command always
// fails with a *NoHandlerError. For events the hook result is ignored.
//
// Example:
//
//	courier.WithOnNoHandler(func(ctx context.Context, kind courier.HandlerKind, name string) error {
//	    logger.Warn("no handler", zap.String("name", name))
//	    return nil // skip
//	})
func WithOnNoHandler(fn OnNoHandlerFunc) Option {
	return func(e *Engine) {
		e.hooks.onNoHandler = append(e.hooks.onNoHandler, fn)
	}
}

// WithOnComplete adds a hook called once a message has been processed.
// Multiple hooks are called in order.
func WithOnComplete(fn OnCompleteFunc) Option {
	return func(e *Engine) {
		e.hooks.onComplete = append(e.hooks.onComplete, fn)
	}
}

func (h *hooks) receive(ctx context.Context, kind HandlerKind, name string) context.Context {
	for _, fn := range h.onReceive {
		ctx = fn(ctx, kind, name)
	}
	return ctx
}

func (h *hooks) dispatch(ctx context.Context, kind HandlerKind, name, handler string) {
	for _, fn := range h.onDispatch {
		fn(ctx, kind, name, handler)
	}
}

func (h *hooks) result(ctx context.Context, kind HandlerKind, name, handler string, err error, d time.Duration) {
	if err != nil {
		for _, fn := range h.onFailure {
			fn(ctx, kind, name, handler, err, d)
		}
		return
	}
	for _, fn := range h.onSuccess {
		fn(ctx, kind, name, handler, d)
	}
}

// noHandler runs the no-handler hooks. hooked is false when none are set.
func (h *hooks) noHandler(ctx context.Context, kind HandlerKind, name string) (hooked bool, err error) {
	for _, fn := range h.onNoHandler {
		if herr := fn(ctx, kind, name); herr != nil && err == nil {
			err = herr
		}
	}
	return len(h.onNoHandler) > 0, err
}

func (h *hooks) complete(ctx context.Context, kind HandlerKind, name string, err error, d time.Duration) {
	for _, fn := range h.onComplete {
		fn(ctx, kind, name, err, d)
	}
}
