package courier

import (
	"context"
	"fmt"
	"reflect"
)

// Proc (procedure) processes an event without returning a result.
//
// The type parameter T is the payload type. Raw payloads are decoded into
// T with the engine serializer, and T is validated if it implements
// Validate() error.
//
// Example:
//
//	type OrderPlacedProc struct {
//	    db *sql.DB
//	}
//
//	func (p *OrderPlacedProc) Run(ctx context.Context, e OrderPlaced) error {
//	    _, err := p.db.ExecContext(ctx, "INSERT INTO orders ...", e.OrderID)
//	    return err
//	}
type Proc[T any] interface {
	Run(ctx context.Context, payload T) error
}

// ProcFunc is a function adapter for Proc.
type ProcFunc[T any] func(ctx context.Context, payload T) error

// Run implements the Proc interface.
func (f ProcFunc[T]) Run(ctx context.Context, payload T) error {
	return f(ctx, payload)
}

// Func (function) handles a command and returns a typed result.
//
// Example:
//
//	type PlaceOrderFunc struct {
//	    repo OrderRepository
//	}
//
//	func (f *PlaceOrderFunc) Call(ctx context.Context, c PlaceOrder) (string, error) {
//	    return f.repo.Create(ctx, c.Items)
//	}
type Func[T, R any] interface {
	Call(ctx context.Context, payload T) (R, error)
}

// FuncFunc is a function adapter for Func.
type FuncFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Call implements the Func interface.
func (f FuncFunc[T, R]) Call(ctx context.Context, payload T) (R, error) {
	return f(ctx, payload)
}

// HandleCommand subscribes h as the handler of commands carrying a T
// payload. The command name is derived from T.
//
// This is a package-level function (not a method) due to Go generics
// limitations: methods cannot have type parameters independent of the
// receiver.
//
// Example:
//
//	err := courier.HandleCommand(engine, &PlaceOrderFunc{repo: repo})
func HandleCommand[T, R any](e *Engine, h Func[T, R]) error {
	label := fmt.Sprintf("HandleCommand[%s]", typeName(reflect.TypeFor[T]()))
	reg, err := e.registry.prepareFunc(h.Call, label, Declaration{Kind: CommandKind})
	if err != nil {
		return err
	}
	return e.attach(reg, func(def *HandlerDefinition) CommandHandler {
		return definitionCommand{def: def}
	})
}

// HandleEvent subscribes p to events carrying a T payload.
//
// Example:
//
//	sub, err := courier.HandleEvent(engine, courier.ProcFunc[OrderPlaced](func(ctx context.Context, e OrderPlaced) error {
//	    return nil
//	}))
func HandleEvent[T any](e *Engine, p Proc[T]) (*Subscription, error) {
	label := fmt.Sprintf("HandleEvent[%s]", typeName(reflect.TypeFor[T]()))
	reg, err := e.registry.prepareFunc(p.Run, label, Declaration{Kind: EventKind})
	if err != nil {
		return nil, err
	}
	sub := e.events.Subscribe(definitionListener{def: reg.defs[0]})
	e.registry.commit(reg)
	return sub, nil
}

// Send dispatches payload as a command and returns its result as R.
//
// Example:
//
//	id, err := courier.Send[string](ctx, engine, PlaceOrder{Items: items})
func Send[R any](ctx context.Context, e *Engine, payload any) (R, error) {
	var zero R
	out, err := e.DispatchCommand(ctx, NewMessage(payload))
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("command %s returned %T, not %s", PayloadName(payload), out, reflect.TypeFor[R]())
	}
	return r, nil
}
