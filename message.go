package courier

import (
	"maps"
	"reflect"

	"github.com/google/uuid"
)

// Named lets a payload choose its own message name instead of the Go type
// string. Command routing and raw payload matching use this name.
type Named interface {
	MessageName() string
}

// Metadata holds the string key/value pairs carried alongside a payload.
//
// Metadata values attached to a Message are never mutated in place. The
// methods below all return fresh maps.
type Metadata map[string]string

// Get returns the value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Clone returns a copy of m. Cloning a nil Metadata returns an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Merge returns a copy of m with every entry of other applied on top.
// Entries of other win on key collision.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	maps.Copy(out, other)
	return out
}

// Message is the immutable envelope that flows through the buses.
//
// A Message carries a payload, its metadata and a unique identifier. Domain
// events additionally carry the identifier and sequence of the aggregate that
// produced them. Every "With" method returns a new Message.
type Message struct {
	id          string
	name        string
	payload     any
	metadata    Metadata
	aggregateID string
	sequence    int64
}

// NewMessage wraps payload in a Message with a fresh identifier and no
// metadata. The name is taken from the payload (see PayloadName).
func NewMessage(payload any) Message {
	return Message{
		id:       uuid.NewString(),
		name:     PayloadName(payload),
		payload:  payload,
		metadata: Metadata{},
	}
}

// ID returns the unique message identifier.
func (m Message) ID() string { return m.id }

// Name returns the message name used for command routing.
func (m Message) Name() string { return m.name }

// Payload returns the message payload.
func (m Message) Payload() any { return m.payload }

// PayloadType returns the dynamic type of the payload, or nil when the
// payload is nil.
func (m Message) PayloadType() reflect.Type { return reflect.TypeOf(m.payload) }

// Metadata returns a copy of the message metadata.
func (m Message) Metadata() Metadata { return m.metadata.Clone() }

// MetadataValue returns a single metadata entry without copying the map.
func (m Message) MetadataValue(key string) (string, bool) { return m.metadata.Get(key) }

// AggregateID returns the identifier of the aggregate that produced (for
// events) or is targeted by (for commands) this message. Empty when unset.
func (m Message) AggregateID() string { return m.aggregateID }

// Sequence returns the aggregate sequence number of a domain event.
func (m Message) Sequence() int64 { return m.sequence }

// WithMetadata returns a copy of m with md merged over its metadata.
func (m Message) WithMetadata(md Metadata) Message {
	m.metadata = m.metadata.Merge(md)
	return m
}

// WithName returns a copy of m carrying name. Use this for raw payloads
// ([]byte, json.RawMessage) whose Go type says nothing about their content.
func (m Message) WithName(name string) Message {
	m.name = name
	return m
}

// WithAggregate returns a copy of m bound to an aggregate instance.
func (m Message) WithAggregate(id string, sequence int64) Message {
	m.aggregateID = id
	m.sequence = sequence
	return m
}

// PayloadName returns the name a message derives from its payload:
// MessageName when the payload implements Named, the Go type string
// otherwise, and the empty string for a nil payload.
func PayloadName(payload any) string {
	if n, ok := payload.(Named); ok {
		return n.MessageName()
	}
	if payload == nil {
		return ""
	}
	return reflect.TypeOf(payload).String()
}

// typeName is PayloadName for a static type.
func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Interface {
		return t.String()
	}
	if t.Implements(namedType) {
		if t.Kind() == reflect.Pointer {
			return reflect.New(t.Elem()).Interface().(Named).MessageName()
		}
		return reflect.Zero(t).Interface().(Named).MessageName()
	}
	return t.String()
}

var namedType = reflect.TypeFor[Named]()
