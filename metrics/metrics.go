// Package metrics exports courier message handling as Prometheus metrics.
//
// Collectors are attached to an engine through its hooks:
//
//	c := metrics.New(prometheus.DefaultRegisterer)
//	engine := courier.New(c.Options()...)
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/bjaus/courier"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeNoHandler = "no_handler"
)

// Collectors holds the courier metric families.
type Collectors struct {
	received        *prometheus.CounterVec
	handled         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	processed       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. It panics if a
// collector with the same name is already registered on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_messages_received_total", Help: "messages received by kind and name"},
			[]string{"kind", "name"},
		),
		handled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_handler_invocations_total", Help: "handler invocations by kind, name and outcome"},
			[]string{"kind", "name", "outcome"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_handler_duration_seconds",
				Help:    "handler execution time.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind", "name"},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "courier_messages_processed_total", Help: "messages processed by kind, name and outcome"},
			[]string{"kind", "name", "outcome"},
		),
	}
	reg.MustRegister(c.received, c.handled, c.handlerDuration, c.processed)
	return c
}

// Options returns the engine hooks feeding the collectors.
func (c *Collectors) Options() []courier.Option {
	return []courier.Option{
		courier.WithOnReceive(c.onReceive),
		courier.WithOnSuccess(c.onSuccess),
		courier.WithOnFailure(c.onFailure),
		courier.WithOnComplete(c.onComplete),
	}
}

func (c *Collectors) onReceive(ctx context.Context, kind courier.HandlerKind, name string) context.Context {
	c.received.WithLabelValues(kind.String(), name).Inc()
	return ctx
}

func (c *Collectors) onSuccess(ctx context.Context, kind courier.HandlerKind, name, handler string, d time.Duration) {
	c.handled.WithLabelValues(kind.String(), name, OutcomeSuccess).Inc()
	c.handlerDuration.WithLabelValues(kind.String(), name).Observe(d.Seconds())
}

func (c *Collectors) onFailure(ctx context.Context, kind courier.HandlerKind, name, handler string, err error, d time.Duration) {
	c.handled.WithLabelValues(kind.String(), name, OutcomeFailure).Inc()
	c.handlerDuration.WithLabelValues(kind.String(), name).Observe(d.Seconds())
}

// onComplete records the outcome seen by the caller. A missing command
// handler is reported through the returned error, so no OnNoHandler hook
// is installed and the bus keeps failing such dispatches.
func (c *Collectors) onComplete(ctx context.Context, kind courier.HandlerKind, name string, err error, d time.Duration) {
	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, courier.ErrNoHandlerFound):
		outcome = OutcomeNoHandler
	case err != nil:
		outcome = OutcomeFailure
	}
	c.processed.WithLabelValues(kind.String(), name, outcome).Inc()
}
