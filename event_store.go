package courier

import (
	"context"
	"sync"
)

// EventStore persists domain events and reads back an aggregate's stream.
// Events without an aggregate id are accepted and not stored in any
// stream.
type EventStore interface {
	Append(ctx context.Context, events ...Message) error
	ReadEvents(ctx context.Context, aggregateID string) ([]Message, error)
}

// InMemoryEventStore keeps every stream in memory. Sequences start at zero
// and must be contiguous per aggregate.
type InMemoryEventStore struct {
	mu      sync.RWMutex
	streams map[string][]Message
}

// NewInMemoryEventStore creates an empty store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{streams: make(map[string][]Message)}
}

// Append stores events. The batch is rejected as a whole with a
// *SequenceConflictError when any event does not continue its stream.
func (s *InMemoryEventStore) Append(ctx context.Context, events ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]int64)
	for _, e := range events {
		id := e.AggregateID()
		if id == "" {
			continue
		}
		want, ok := next[id]
		if !ok {
			want = int64(len(s.streams[id]))
		}
		if e.Sequence() != want {
			return &SequenceConflictError{AggregateID: id, Expected: want, Actual: e.Sequence()}
		}
		next[id] = want + 1
	}
	for _, e := range events {
		if id := e.AggregateID(); id != "" {
			s.streams[id] = append(s.streams[id], e)
		}
	}
	return nil
}

// ReadEvents returns the stream of aggregateID in sequence order.
func (s *InMemoryEventStore) ReadEvents(ctx context.Context, aggregateID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.streams[aggregateID]...), nil
}
