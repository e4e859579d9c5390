package courier

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Registry turns components and their declarations into HandlerDefinitions.
//
// Registration is expected to finish before dispatch begins. Registry is not
// safe for concurrent registration; once boot completes it is read-only and
// may be read from any goroutine.
type Registry struct {
	factory  ResolverFactory
	logger   *zap.Logger
	defs     []*HandlerDefinition
	seen     map[declKey]struct{}
	excluded []error
	funcs    int
}

type declKey struct {
	owner     string
	signature string
	kind      HandlerKind
}

// NewRegistry creates a registry resolving parameters through factory.
func NewRegistry(factory ResolverFactory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory: factory,
		logger:  logger,
		seen:    make(map[declKey]struct{}),
	}
}

// Register binds every declaration to a method of component.
//
// It fails fast on an unknown method, an unsupported method shape, or a
// (method signature, kind) pair the component already declared. A failed
// call leaves the registry unchanged. A handler with a parameter no factory
// can bind is excluded: it is logged, reported by Excluded, and left out of
// the returned definitions.
//
// Example:
//
//	defs, err := reg.Register(&Orders{},
//	    courier.CommandHandler("Place"),
//	    courier.EventHandler("OnPlaced"),
//	)
func (r *Registry) Register(component any, decls ...Declaration) ([]*HandlerDefinition, error) {
	reg, err := r.prepare(component, decls)
	if err != nil {
		return nil, err
	}
	r.commit(reg)
	return reg.defs, nil
}

// registration holds the definitions bound for one component. Nothing in
// it is visible through the registry until it is committed.
type registration struct {
	defs     []*HandlerDefinition
	keys     []declKey
	excluded []error
}

func (reg *registration) declared(key declKey) bool {
	for _, k := range reg.keys {
		if k == key {
			return true
		}
	}
	return false
}

func (r *Registry) prepare(component any, decls []Declaration) (*registration, error) {
	if component == nil {
		return nil, fmt.Errorf("%w: nil component", ErrInvalidHandler)
	}
	t := reflect.TypeOf(component)
	ident := identity(component)

	reg := &registration{}
	for _, decl := range decls {
		m, ok := t.MethodByName(decl.Method)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no method %q", ErrUnknownMethod, t, decl.Method)
		}
		in := make([]reflect.Type, m.Type.NumIn()-1)
		for i := range in {
			in[i] = m.Type.In(i + 1)
		}
		outs := make([]reflect.Type, m.Type.NumOut())
		for i := range outs {
			outs[i] = m.Type.Out(i)
		}

		fn := m.Func
		call := func(receiver any, args []reflect.Value) []reflect.Value {
			return fn.Call(append([]reflect.Value{reflect.ValueOf(receiver)}, args...))
		}

		if err := r.bind(reg, component, t.String(), ident, decl, in, outs, call); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// prepareFunc binds a plain function as a handler. label stands in for the
// method name in signatures and duplicate detection. An excluded function
// is recorded and reported as the error.
func (r *Registry) prepareFunc(fn any, label string, decl Declaration) (*registration, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T is not a function", ErrInvalidHandler, fn)
	}
	ft := v.Type()
	in := make([]reflect.Type, ft.NumIn())
	for i := range in {
		in[i] = ft.In(i)
	}
	outs := make([]reflect.Type, ft.NumOut())
	for i := range outs {
		outs[i] = ft.Out(i)
	}
	call := func(_ any, args []reflect.Value) []reflect.Value {
		return v.Call(args)
	}
	decl.Method = label
	r.funcs++
	reg := &registration{}
	if err := r.bind(reg, fn, "func", fmt.Sprintf("func#%d", r.funcs), decl, in, outs, call); err != nil {
		return nil, err
	}
	if len(reg.defs) == 0 {
		r.commit(reg)
		return nil, reg.excluded[0]
	}
	return reg, nil
}

// commit makes reg's definitions and exclusions visible.
func (r *Registry) commit(reg *registration) {
	for _, k := range reg.keys {
		r.seen[k] = struct{}{}
	}
	for _, err := range reg.excluded {
		r.excluded = append(r.excluded, err)
		r.logger.Warn("handler excluded", zap.Error(err))
	}
	for _, def := range reg.defs {
		r.defs = append(r.defs, def)
		r.logger.Debug("handler registered",
			zap.String("handler", def.Signature()),
			zap.Stringer("kind", def.kind),
			zap.String("name", def.name),
		)
	}
}

func (r *Registry) bind(
	reg *registration,
	owner any,
	ownerName, ident string,
	decl Declaration,
	in, outs []reflect.Type,
	call func(any, []reflect.Value) []reflect.Value,
) error {
	def := &HandlerDefinition{
		owner:          owner,
		ownerName:      ownerName,
		method:         decl.Method,
		kind:           decl.Kind,
		call:           call,
		association:    decl.AssociationProperty,
		associationKey: decl.AssociationKey,
		creation:       decl.Creation,
		end:            decl.End,
		creates:        decl.CreatesAggregate,
		filter:         decl.Filter,
	}

	switch decl.Kind {
	case CommandKind, EventKind, SagaEventKind, EventSourcingKind:
	default:
		return fmt.Errorf("%w: %s.%s has no handler kind", ErrInvalidHandler, ownerName, decl.Method)
	}
	if decl.Kind == SagaEventKind && decl.AssociationProperty == "" {
		return fmt.Errorf("%w: saga handler %s.%s needs an association property", ErrInvalidHandler, ownerName, decl.Method)
	}

	if err := def.setOutputs(outs); err != nil {
		return err
	}

	def.params = make([]ParameterShape, len(in))
	for i, pt := range in {
		def.params[i] = ParameterShape{Type: pt, Position: i, MetadataKey: decl.MetadataParams[i]}
	}

	key := declKey{owner: ident, signature: def.Signature(), kind: decl.Kind}
	if _, dup := r.seen[key]; dup || reg.declared(key) {
		return fmt.Errorf("%w: %s declared twice as %s handler", ErrDuplicateDeclaration, def.Signature(), decl.Kind)
	}
	reg.keys = append(reg.keys, key)

	def.payloadPos = payloadIndex(def.params)
	if def.payloadPos >= 0 {
		def.payloadType = def.params[def.payloadPos].Type
	}
	switch {
	case decl.Name != "":
		def.name, def.named = decl.Name, true
	case def.payloadType != nil:
		def.name = typeName(def.payloadType)
	case decl.Kind == CommandKind:
		return fmt.Errorf("%w: command handler %s has neither a payload parameter nor a name", ErrInvalidHandler, def.Signature())
	}

	def.resolvers = make([]ParameterResolver, len(def.params))
	for i := range def.params {
		res := r.factory.CreateResolver(def.params, i)
		if res == nil {
			reg.excluded = append(reg.excluded, &ResolutionError{Handler: def.Signature(), Position: i, Type: def.params[i].Type})
			return nil
		}
		def.resolvers[i] = res
	}

	reg.defs = append(reg.defs, def)
	return nil
}

func (d *HandlerDefinition) setOutputs(outs []reflect.Type) error {
	switch len(outs) {
	case 0:
	case 1:
		if outs[0] == errorType {
			d.hasError = true
		} else {
			d.hasResult = true
		}
	case 2:
		if outs[1] != errorType {
			return fmt.Errorf("%w: %s.%s must return (R, error)", ErrInvalidHandler, d.ownerName, d.method)
		}
		d.hasResult, d.hasError = true, true
	default:
		return fmt.Errorf("%w: %s.%s returns too many values", ErrInvalidHandler, d.ownerName, d.method)
	}
	return nil
}

// Handlers returns the registered definitions of kind in registration order.
func (r *Registry) Handlers(kind HandlerKind) []*HandlerDefinition {
	var out []*HandlerDefinition
	for _, d := range r.defs {
		if d.kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int { return len(r.defs) }

// Excluded returns the resolution errors of handlers left out at
// registration. Each error matches ErrParameterResolutionExhausted.
func (r *Registry) Excluded() []error { return append([]error(nil), r.excluded...) }

// identity distinguishes component instances: pointers by address, other
// values by type.
func identity(component any) string {
	v := reflect.ValueOf(component)
	if v.Kind() == reflect.Pointer {
		return fmt.Sprintf("%s@%x", v.Type(), v.Pointer())
	}
	return v.Type().String()
}
