package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/bjaus/courier"
)

// The demo domain: orders are placed by command, shipped by event, and
// tracked by a fulfilment saga until delivery.

type PlaceOrder struct {
	OrderID string `json:"orderId"`
	Items   int    `json:"items"`
}

func (p PlaceOrder) TargetAggregateIdentifier() string { return p.OrderID }

type OrderPlaced struct {
	OrderID string `json:"orderId"`
	Items   int    `json:"items"`
}

type OrderShipped struct {
	OrderID  string `json:"orderId"`
	Tracking string `json:"tracking"`
}

type OrderDelivered struct {
	Tracking string `json:"tracking"`
}

type orderService struct {
	engine *courier.Engine

	mu       sync.Mutex
	sequence map[string]int64
}

func newOrderService(e *courier.Engine) *orderService {
	return &orderService{engine: e, sequence: make(map[string]int64)}
}

func (s *orderService) Place(ctx context.Context, c PlaceOrder) (string, error) {
	if c.Items < 1 {
		return "", fmt.Errorf("order %s has no items", c.OrderID)
	}
	return c.OrderID, s.emit(ctx, c.OrderID, OrderPlaced(c))
}

func (s *orderService) Ship(ctx context.Context, orderID string) error {
	return s.emit(ctx, orderID, OrderShipped{OrderID: orderID, Tracking: "trk-" + orderID})
}

func (s *orderService) emit(ctx context.Context, orderID string, payload any) error {
	s.mu.Lock()
	seq := s.sequence[orderID]
	s.sequence[orderID]++
	s.mu.Unlock()
	return s.engine.Publish(ctx, courier.NewMessage(payload).WithAggregate(orderID, seq))
}

type fulfilment struct {
	orderID string
}

func (f *fulfilment) OnPlaced(e OrderPlaced) {
	f.orderID = e.OrderID
}

func (f *fulfilment) OnShipped(ctx context.Context, e OrderShipped) {
	courier.AssociateWith(ctx, "tracking", e.Tracking)
}

func (f *fulfilment) OnDelivered(e OrderDelivered) {}

// register wires the demo domain into e and returns the order service.
func register(e *courier.Engine) (*orderService, error) {
	orders := newOrderService(e)
	if err := e.RegisterComponent(orders, courier.CommandHandler("Place")); err != nil {
		return nil, err
	}
	_, err := e.RegisterSaga("fulfilment", func() any { return &fulfilment{} },
		courier.SagaEventHandler("OnPlaced", "OrderID", courier.StartsSaga()),
		courier.SagaEventHandler("OnShipped", "OrderID"),
		courier.SagaEventHandler("OnDelivered", "Tracking", courier.AssociationKey("tracking"), courier.EndsSaga()),
	)
	if err != nil {
		return nil, err
	}
	return orders, nil
}
