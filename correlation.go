package courier

import "context"

// Metadata keys written by MessageOriginProvider.
const (
	CorrelationIDKey = "correlationId"
	TraceIDKey       = "traceId"
)

// CorrelationDataProvider derives metadata for messages caused by handling
// a source message.
type CorrelationDataProvider interface {
	CorrelationDataFor(source Message) Metadata
}

// CorrelationFunc is a function adapter for CorrelationDataProvider.
type CorrelationFunc func(source Message) Metadata

// CorrelationDataFor implements CorrelationDataProvider.
func (f CorrelationFunc) CorrelationDataFor(source Message) Metadata {
	return f(source)
}

// SimpleCorrelationDataProvider copies the named metadata keys from the
// source message. Keys missing on the source are skipped.
func SimpleCorrelationDataProvider(keys ...string) CorrelationDataProvider {
	return CorrelationFunc(func(source Message) Metadata {
		out := make(Metadata, len(keys))
		for _, k := range keys {
			if v, ok := source.MetadataValue(k); ok {
				out[k] = v
			}
		}
		return out
	})
}

// MessageOriginProvider links caused messages to their origin: the
// correlation id is the source message id, and the trace id is inherited
// from the source or started from its id.
func MessageOriginProvider() CorrelationDataProvider {
	return CorrelationFunc(func(source Message) Metadata {
		trace, ok := source.MetadataValue(TraceIDKey)
		if !ok {
			trace = source.ID()
		}
		return Metadata{
			CorrelationIDKey: source.ID(),
			TraceIDKey:       trace,
		}
	})
}

// Correlation is the immutable provider chain applied to every dispatched
// message. Build one with NewCorrelation and pass it by value.
type Correlation struct {
	providers []CorrelationDataProvider
}

// NewCorrelation creates a chain. Providers registered later override
// earlier ones on key collision.
func NewCorrelation(providers ...CorrelationDataProvider) Correlation {
	return Correlation{providers: append([]CorrelationDataProvider(nil), providers...)}
}

// Len returns the number of providers in the chain.
func (c Correlation) Len() int { return len(c.providers) }

// Derive merges the data of every provider for source, in order.
func (c Correlation) Derive(source Message) Metadata {
	out := Metadata{}
	for _, p := range c.providers {
		for k, v := range p.CorrelationDataFor(source) {
			out[k] = v
		}
	}
	return out
}

// Enrich returns m carrying the correlation data of the message being
// handled in ctx. Without such a message, m is returned unchanged.
// Derived entries override m's own entries.
func (c Correlation) Enrich(ctx context.Context, m Message) Message {
	source, ok := CurrentMessage(ctx)
	if !ok || len(c.providers) == 0 {
		return m
	}
	return m.WithMetadata(c.Derive(source))
}

type currentMessageKey struct{}

// withCurrentMessage marks m as the message being handled in ctx. Messages
// dispatched with the returned context are enriched from m.
func withCurrentMessage(ctx context.Context, m Message) context.Context {
	return context.WithValue(ctx, currentMessageKey{}, m)
}

// CurrentMessage returns the message being handled in ctx.
func CurrentMessage(ctx context.Context) (Message, bool) {
	m, ok := ctx.Value(currentMessageKey{}).(Message)
	return m, ok
}
