package courier_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bjaus/courier"
)

type RegisterUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type UserRegistered struct {
	UserID string `json:"userId"`
}

type Users struct {
	engine *courier.Engine
}

func (u *Users) Register(ctx context.Context, c RegisterUser) (string, error) {
	fmt.Printf("registering %s (%s)\n", c.UserID, c.Email)
	return c.UserID, u.engine.Publish(ctx, courier.NewMessage(UserRegistered{UserID: c.UserID}))
}

func (u *Users) OnRegistered(e UserRegistered, m courier.Message) {
	_, correlated := m.MetadataValue(courier.CorrelationIDKey)
	fmt.Printf("welcome %s (correlated: %t)\n", e.UserID, correlated)
}

func Example() {
	engine := courier.New()
	users := &Users{engine: engine}

	err := engine.RegisterComponent(users,
		courier.CommandHandler("Register"),
		courier.EventHandler("OnRegistered"),
	)
	if err != nil {
		fmt.Println(err)
		return
	}

	id, err := engine.DispatchCommand(context.Background(),
		courier.NewMessage(RegisterUser{UserID: "u-1", Email: "ada@example.com"}))
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("registered", id)

	// Output:
	// registering u-1 (ada@example.com)
	// welcome u-1 (correlated: true)
	// registered u-1
}

func Example_rawPayload() {
	engine := courier.New()
	_ = courier.HandleCommand(engine, courier.FuncFunc[RegisterUser, string](
		func(ctx context.Context, c RegisterUser) (string, error) {
			return "hello " + c.Email, nil
		}))

	raw := json.RawMessage(`{"userId":"u-2","email":"grace@example.com"}`)
	out, err := engine.DispatchCommand(context.Background(),
		courier.NewMessage(raw).WithName(courier.PayloadName(RegisterUser{})))

	fmt.Println(out, err)
	// Output: hello grace@example.com <nil>
}

func Example_handleEvent() {
	engine := courier.New()

	_, _ = courier.HandleEvent(engine, courier.ProcFunc[UserRegistered](
		func(ctx context.Context, e UserRegistered) error {
			fmt.Println("audit", e.UserID)
			return nil
		}))

	_ = engine.Publish(context.Background(),
		courier.NewMessage(UserRegistered{UserID: "u-1"}),
		courier.NewMessage(UserRegistered{UserID: "u-2"}),
	)

	// Output:
	// audit u-1
	// audit u-2
}

type TripBooked struct{ TripID string }

type FlightConfirmed struct{ TripID string }

type Booking struct {
	trip string
}

func (b *Booking) OnBooked(e TripBooked) {
	b.trip = e.TripID
	fmt.Println("saga started for", e.TripID)
}

func (b *Booking) OnConfirmed(e FlightConfirmed) {
	fmt.Println("saga ended for", b.trip)
}

func Example_saga() {
	engine := courier.New()
	_, err := engine.RegisterSaga("booking", func() any { return &Booking{} },
		courier.SagaEventHandler("OnBooked", "TripID", courier.StartsSaga()),
		courier.SagaEventHandler("OnConfirmed", "TripID", courier.EndsSaga()),
	)
	if err != nil {
		fmt.Println(err)
		return
	}
	ctx := context.Background()

	_ = engine.Publish(ctx, courier.NewMessage(TripBooked{TripID: "t-1"}))
	fmt.Println("active:", engine.SagaCount("booking"))

	_ = engine.Publish(ctx, courier.NewMessage(FlightConfirmed{TripID: "t-1"}))
	fmt.Println("active:", engine.SagaCount("booking"))

	// Output:
	// saga started for t-1
	// active: 1
	// saga ended for t-1
	// active: 0
}

func Example_hooks() {
	engine := courier.New(
		courier.WithOnFailure(func(ctx context.Context, kind courier.HandlerKind, name, handler string, err error, d time.Duration) {
			fmt.Printf("%s %s failed: %v\n", kind, name, errors.Unwrap(err))
		}),
		courier.WithOnNoHandler(func(ctx context.Context, kind courier.HandlerKind, name string) error {
			fmt.Printf("no handler for %s %s\n", kind, name)
			return nil
		}),
	)
	_ = engine.CommandBus().Subscribe("charge", courier.CommandHandlerFunc(
		func(ctx context.Context, m courier.Message) (any, error) {
			return nil, errors.New("card declined")
		}))

	_, _ = engine.DispatchCommand(context.Background(), courier.NewMessage(nil).WithName("charge"))
	_, _ = engine.DispatchCommand(context.Background(), courier.NewMessage(nil).WithName("refund"))

	// Output:
	// command charge failed: card declined
	// no handler for command refund
}
