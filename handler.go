package courier

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// HandlerKind classifies a declared handler method.
type HandlerKind int

const (
	// CommandKind handlers receive commands; exactly one per command name.
	CommandKind HandlerKind = iota + 1

	// EventKind handlers receive every published event they can handle.
	EventKind

	// SagaEventKind handlers receive events routed to saga instances by
	// association value.
	SagaEventKind

	// EventSourcingKind handlers apply an aggregate's events to its state,
	// both when replaying the stream and when a command applies a new one.
	EventSourcingKind
)

func (k HandlerKind) String() string {
	switch k {
	case CommandKind:
		return "command"
	case EventKind:
		return "event"
	case SagaEventKind:
		return "saga-event"
	case EventSourcingKind:
		return "event-sourcing"
	default:
		return fmt.Sprintf("HandlerKind(%d)", int(k))
	}
}

// Declaration is the externally supplied description of one handler method.
// Build declarations with CommandHandler, EventHandler and SagaEventHandler.
type Declaration struct {
	Method string
	Kind   HandlerKind

	// Name overrides the message name the handler answers to. By default
	// it is derived from the payload parameter type.
	Name string

	// AssociationProperty is evaluated against the event payload at
	// dispatch time to find saga instances. Saga handlers only.
	AssociationProperty string

	// AssociationKey is the key of the resulting AssociationValue.
	// Defaults to AssociationProperty.
	AssociationKey string

	Creation SagaCreationPolicy
	End      bool

	// CreatesAggregate marks an aggregate command handler that runs on a
	// fresh instance instead of one loaded from its stream.
	CreatesAggregate bool

	// MetadataParams binds parameter positions to metadata keys.
	MetadataParams map[int]string

	// Filter further restricts which payloads the handler accepts.
	Filter Discriminator
}

// DeclarationOption customizes a Declaration.
type DeclarationOption func(*Declaration)

// CommandHandler declares method as a command handler.
func CommandHandler(method string, opts ...DeclarationOption) Declaration {
	return declare(Declaration{Method: method, Kind: CommandKind}, opts)
}

// EventHandler declares method as an event handler.
func EventHandler(method string, opts ...DeclarationOption) Declaration {
	return declare(Declaration{Method: method, Kind: EventKind}, opts)
}

// SagaEventHandler declares method as a saga event handler associated
// through property. Use AssociationToString to associate on the whole
// payload's string form.
func SagaEventHandler(method, property string, opts ...DeclarationOption) Declaration {
	return declare(Declaration{Method: method, Kind: SagaEventKind, AssociationProperty: property}, opts)
}

// EventSourcingHandler declares method as an event-sourcing handler of an
// aggregate.
func EventSourcingHandler(method string, opts ...DeclarationOption) Declaration {
	return declare(Declaration{Method: method, Kind: EventSourcingKind}, opts)
}

func declare(d Declaration, opts []DeclarationOption) Declaration {
	for _, opt := range opts {
		opt(&d)
	}
	if d.AssociationKey == "" {
		d.AssociationKey = d.AssociationProperty
	}
	return d
}

// HandlesName sets the message name the handler answers to.
func HandlesName(name string) DeclarationOption {
	return func(d *Declaration) { d.Name = name }
}

// MetadataParam binds the parameter at position to the metadata entry key.
func MetadataParam(position int, key string) DeclarationOption {
	return func(d *Declaration) {
		if d.MetadataParams == nil {
			d.MetadataParams = make(map[int]string)
		}
		d.MetadataParams[position] = key
	}
}

// WhenPayload restricts the handler to payloads matching disc.
func WhenPayload(disc Discriminator) DeclarationOption {
	return func(d *Declaration) { d.Filter = disc }
}

// StartsSaga lets the handler create a saga instance when none is
// associated with the event.
func StartsSaga() DeclarationOption {
	return func(d *Declaration) { d.Creation = CreateIfNoneFound }
}

// StartsSagaAlways makes the handler create a new saga instance for every
// matching event.
func StartsSagaAlways() DeclarationOption {
	return func(d *Declaration) { d.Creation = CreateAlways }
}

// EndsSaga ends the saga instance once the handler returns successfully.
func EndsSaga() DeclarationOption {
	return func(d *Declaration) { d.End = true }
}

// CreatesAggregate lets an aggregate command handler create the aggregate.
// It fails on an aggregate that already has events.
func CreatesAggregate() DeclarationOption {
	return func(d *Declaration) { d.CreatesAggregate = true }
}

// AssociationKey overrides the key of the association value.
func AssociationKey(key string) DeclarationOption {
	return func(d *Declaration) { d.AssociationKey = key }
}

// validatable is the interface for payload validation.
// Compatible with github.com/go-ozzo/ozzo-validation/v4.
type validatable interface {
	Validate() error
}

// HandlerDefinition is a declared handler bound to its resolvers. It is
// built once at registration and immutable afterwards.
type HandlerDefinition struct {
	owner     any
	ownerName string
	method    string
	kind      HandlerKind
	name      string
	named     bool
	call      func(receiver any, args []reflect.Value) []reflect.Value
	params    []ParameterShape
	resolvers []ParameterResolver

	payloadType reflect.Type
	payloadPos  int
	hasResult   bool
	hasError    bool

	association    string
	associationKey string
	creation       SagaCreationPolicy
	end            bool
	creates        bool
	filter         Discriminator
}

// Owner returns the component the handler was declared on.
func (d *HandlerDefinition) Owner() any { return d.owner }

// Method returns the declared method name.
func (d *HandlerDefinition) Method() string { return d.method }

// Kind returns the handler classification.
func (d *HandlerDefinition) Kind() HandlerKind { return d.kind }

// Name returns the message name the handler answers to.
func (d *HandlerDefinition) Name() string { return d.name }

// PayloadType returns the declared payload type, or nil when the handler
// takes no payload parameter.
func (d *HandlerDefinition) PayloadType() reflect.Type { return d.payloadType }

// Parameters returns the parameter shapes in declared order.
func (d *HandlerDefinition) Parameters() []ParameterShape {
	return append([]ParameterShape(nil), d.params...)
}

// Signature identifies the handler, e.g. "*app.Orders.Place(context.Context, app.PlaceOrder)".
func (d *HandlerDefinition) Signature() string {
	types := make([]string, len(d.params))
	for i, p := range d.params {
		types[i] = p.Type.String()
	}
	return fmt.Sprintf("%s.%s(%s)", d.ownerName, d.method, strings.Join(types, ", "))
}

func (d *HandlerDefinition) String() string { return d.Signature() }

// CanHandle reports whether m is of a type the handler declares. It does
// not run resolvers; a handler that can handle a message may still be
// skipped when a parameter is absent.
func (d *HandlerDefinition) CanHandle(m Message) bool {
	if d.payloadType != nil {
		pt := m.PayloadType()
		_, raw := rawPayload(m.Payload())
		switch {
		case pt != nil && pt.AssignableTo(d.payloadType):
		case raw && m.Name() == d.name:
		default:
			return false
		}
	} else if d.named && m.Name() != d.name {
		return false
	}
	if d.filter != nil {
		view, err := InspectPayload(m.Payload())
		if err != nil || !d.filter.Match(view) {
			return false
		}
	}
	return true
}

// Invoke resolves every parameter against m and calls the handler on its
// owner. invoked is false when any parameter was absent.
func (d *HandlerDefinition) Invoke(ctx context.Context, m Message) (result any, invoked bool, err error) {
	return d.invokeOn(ctx, d.owner, m)
}

func (d *HandlerDefinition) invokeOn(ctx context.Context, receiver any, m Message) (result any, invoked bool, err error) {
	args := make([]reflect.Value, len(d.params))
	for i, r := range d.resolvers {
		v, ok := r.Resolve(ctx, m)
		if !ok {
			return nil, false, nil
		}
		arg, ok := toValue(v, d.params[i].Type)
		if !ok {
			return nil, false, nil
		}
		args[i] = arg
	}

	if d.payloadPos >= 0 {
		if verr := validate(args[d.payloadPos]); verr != nil {
			return nil, true, d.fail(m, &validationError{err: verr})
		}
	}

	defer func() {
		if r := recover(); r != nil {
			result, invoked, err = nil, true, d.fail(m, &panicError{value: r})
		}
	}()

	out := d.call(receiver, args)
	if d.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, true, d.fail(m, e.Interface().(error))
		}
	}
	if d.hasResult {
		return out[0].Interface(), true, nil
	}
	return nil, true, nil
}

func (d *HandlerDefinition) fail(m Message, err error) error {
	return &InvocationError{Handler: d.Signature(), Message: m.Name(), Err: err}
}

func toValue(v any, t reflect.Type) (reflect.Value, bool) {
	if v == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), true
		}
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(t) {
		return reflect.Value{}, false
	}
	return rv, true
}

func validate(arg reflect.Value) error {
	if arg.Kind() == reflect.Pointer && arg.IsNil() {
		return nil
	}
	if v, ok := arg.Interface().(validatable); ok {
		return v.Validate()
	}
	ptr := reflect.New(arg.Type())
	ptr.Elem().Set(arg)
	if v, ok := ptr.Interface().(validatable); ok {
		return v.Validate()
	}
	return nil
}
