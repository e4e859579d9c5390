package courier

import (
	"context"
	"encoding/json"
	"reflect"
)

// ParameterShape is the static description of one handler parameter.
type ParameterShape struct {
	// Type is the declared Go type of the parameter.
	Type reflect.Type

	// Position is the zero-based index of the parameter.
	Position int

	// MetadataKey binds the parameter to a metadata entry. Empty when the
	// declaration did not bind it.
	MetadataKey string
}

// ParameterResolver supplies the value of one parameter for one message.
// It returns false when the value is absent, which makes the handler
// ineligible for that message.
type ParameterResolver interface {
	Resolve(ctx context.Context, m Message) (any, bool)
}

// ResolverFunc is a function adapter for ParameterResolver.
type ResolverFunc func(ctx context.Context, m Message) (any, bool)

// Resolve implements ParameterResolver.
func (f ResolverFunc) Resolve(ctx context.Context, m Message) (any, bool) {
	return f(ctx, m)
}

// ResolverFactory creates a resolver for params[index], or returns nil to
// let the next factory in the chain try.
//
// Example, binding every int parameter to a fixed value:
//
//	courier.ResolverFactoryFunc(func(params []courier.ParameterShape, i int) courier.ParameterResolver {
//	    if params[i].Type == reflect.TypeFor[int]() {
//	        return courier.FixedValue(1)
//	    }
//	    return nil
//	})
type ResolverFactory interface {
	CreateResolver(params []ParameterShape, index int) ParameterResolver
}

// ResolverFactoryFunc is a function adapter for ResolverFactory.
type ResolverFactoryFunc func(params []ParameterShape, index int) ParameterResolver

// CreateResolver implements ResolverFactory.
func (f ResolverFactoryFunc) CreateResolver(params []ParameterShape, index int) ParameterResolver {
	return f(params, index)
}

// FixedValue returns a resolver that always yields v.
func FixedValue(v any) ParameterResolver {
	return ResolverFunc(func(context.Context, Message) (any, bool) {
		return v, true
	})
}

// MultiResolverFactory tries its factories in order. The first factory to
// return a resolver wins for that parameter; results are never merged.
type MultiResolverFactory struct {
	factories []ResolverFactory
}

// NewMultiResolverFactory builds a chain from factories. Nested
// MultiResolverFactory values are flattened and nil entries are dropped.
func NewMultiResolverFactory(factories ...ResolverFactory) *MultiResolverFactory {
	m := &MultiResolverFactory{}
	for _, f := range factories {
		switch f := f.(type) {
		case nil:
		case *MultiResolverFactory:
			m.factories = append(m.factories, f.factories...)
		default:
			m.factories = append(m.factories, f)
		}
	}
	return m
}

// CreateResolver implements ResolverFactory.
func (m *MultiResolverFactory) CreateResolver(params []ParameterShape, index int) ParameterResolver {
	for _, f := range m.factories {
		if r := f.CreateResolver(params, index); r != nil {
			return r
		}
	}
	return nil
}

// Factories returns the flattened chain in resolution order.
func (m *MultiResolverFactory) Factories() []ResolverFactory {
	return append([]ResolverFactory(nil), m.factories...)
}

// Resources returns a factory that injects the first value assignable to a
// parameter's type.
func Resources(values ...any) ResolverFactory {
	return ResolverFactoryFunc(func(params []ParameterShape, index int) ParameterResolver {
		t := params[index].Type
		for _, v := range values {
			if v != nil && reflect.TypeOf(v).AssignableTo(t) {
				return FixedValue(v)
			}
		}
		return nil
	})
}

// Serializer materializes raw payloads into the type a handler declares.
type Serializer interface {
	Deserialize(data []byte, t reflect.Type) (any, error)
}

// JSONSerializer decodes raw payloads with encoding/json.
func JSONSerializer() Serializer {
	return jsonSerializer{}
}

type jsonSerializer struct{}

func (jsonSerializer) Deserialize(data []byte, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

var (
	contextType  = reflect.TypeFor[context.Context]()
	messageType  = reflect.TypeFor[Message]()
	metadataType = reflect.TypeFor[Metadata]()
	errorType    = reflect.TypeFor[error]()
)

// builtinFactories is the fixed tail of every resolver chain.
func builtinFactories(serializer Serializer, resources []any) []ResolverFactory {
	return []ResolverFactory{
		ResolverFactoryFunc(contextFactory),
		ResolverFactoryFunc(messageFactory),
		ResolverFactoryFunc(metadataFactory),
		ResolverFactoryFunc(metadataValueFactory),
		payloadFactory(serializer),
		Resources(resources...),
	}
}

func contextFactory(params []ParameterShape, index int) ParameterResolver {
	if params[index].Type != contextType {
		return nil
	}
	return ResolverFunc(func(ctx context.Context, _ Message) (any, bool) {
		return ctx, true
	})
}

func messageFactory(params []ParameterShape, index int) ParameterResolver {
	if params[index].Type != messageType {
		return nil
	}
	return ResolverFunc(func(_ context.Context, m Message) (any, bool) {
		return m, true
	})
}

func metadataFactory(params []ParameterShape, index int) ParameterResolver {
	if params[index].Type != metadataType {
		return nil
	}
	return ResolverFunc(func(_ context.Context, m Message) (any, bool) {
		return m.Metadata(), true
	})
}

func metadataValueFactory(params []ParameterShape, index int) ParameterResolver {
	p := params[index]
	if p.MetadataKey == "" || p.Type.Kind() != reflect.String {
		return nil
	}
	return ResolverFunc(func(_ context.Context, m Message) (any, bool) {
		v, ok := m.MetadataValue(p.MetadataKey)
		if !ok {
			return nil, false
		}
		return reflect.ValueOf(v).Convert(p.Type).Interface(), true
	})
}

func payloadFactory(serializer Serializer) ResolverFactory {
	return ResolverFactoryFunc(func(params []ParameterShape, index int) ParameterResolver {
		if payloadIndex(params) != index {
			return nil
		}
		t := params[index].Type
		return ResolverFunc(func(_ context.Context, m Message) (any, bool) {
			p := m.Payload()
			if p == nil {
				return nil, false
			}
			if reflect.TypeOf(p).AssignableTo(t) {
				return p, true
			}
			raw, ok := rawPayload(p)
			if !ok || serializer == nil {
				return nil, false
			}
			v, err := serializer.Deserialize(raw, t)
			if err != nil {
				return nil, false
			}
			return v, true
		})
	})
}

// payloadIndex returns the position of the payload parameter: the first
// parameter that is not infrastructure (context, Message, Metadata) and is
// not bound to a metadata key. It returns -1 when there is none.
func payloadIndex(params []ParameterShape) int {
	for i, p := range params {
		switch {
		case p.MetadataKey != "":
		case p.Type == contextType, p.Type == messageType, p.Type == metadataType:
		default:
			return i
		}
	}
	return -1
}

func rawPayload(p any) ([]byte, bool) {
	switch v := p.(type) {
	case json.RawMessage:
		return v, true
	case []byte:
		return v, true
	}
	return nil, false
}
