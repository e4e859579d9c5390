// Package courier resolves handler parameters and dispatches commands,
// events and saga events to plain Go components.
//
// Components do not implement a handler interface. Instead each handler
// method is declared when the component is registered, and the engine binds
// its parameters through an ordered chain of resolver factories. Commands go
// to exactly one handler, events fan out to every eligible handler, and saga
// events reach the saga instances holding the event's association value.
//
// # Quick Start
//
// Define a component:
//
//	type Orders struct{}
//
//	type PlaceOrder struct {
//	    OrderID string `json:"order_id"`
//	}
//
//	func (o *Orders) Place(ctx context.Context, c PlaceOrder, repo *Repo) (string, error) {
//	    return c.OrderID, repo.Save(ctx, c.OrderID)
//	}
//
// Create an engine, declare the handler, and dispatch:
//
//	engine := courier.New(courier.WithResources(repo))
//
//	err := engine.RegisterComponent(&Orders{}, courier.CommandHandler("Place"))
//
//	id, err := engine.DispatchCommand(ctx, courier.NewMessage(PlaceOrder{OrderID: "o-1"}))
//
// # Parameter Resolution
//
// Every parameter is bound once, at registration, by the first resolver
// factory that accepts it. User factories added with WithResolverFactory
// come first, followed by the built-ins:
//
//   - context.Context: the dispatch context
//   - Message: the whole message
//   - Metadata: a copy of the message metadata
//   - string kinds bound with MetadataParam: one metadata entry
//   - the first remaining parameter: the payload
//   - anything else: the first resource from WithResources assignable to it
//
// A parameter no factory accepts excludes the handler. It is logged and
// listed by Registry.Excluded, but registration succeeds. A resolver that
// finds its value absent for one message, such as a missing metadata entry,
// only skips the handler for that message.
//
//	courier.New(
//	    courier.WithResolverFactory(courier.ResolverFactoryFunc(
//	        func(params []courier.ParameterShape, i int) courier.ParameterResolver {
//	            if params[i].Type == reflect.TypeFor[time.Time]() {
//	                return courier.ResolverFunc(func(context.Context, courier.Message) (any, bool) {
//	                    return time.Now(), true
//	                })
//	            }
//	            return nil
//	        },
//	    )),
//	)
//
// Raw payloads ([]byte, json.RawMessage) are decoded into the declared type
// by the Serializer. Name such messages with Message.WithName so they match
// the handler's payload name.
//
// # Handlers
//
// Handler methods may return nothing, an error, a result, or a result and
// an error. Payloads that implement Validate() error are validated before
// the call. Panics and errors become *InvocationError.
//
// The generic helpers register plain functions:
//
//	courier.HandleCommand(engine, courier.FuncFunc[PlaceOrder, string](place))
//	courier.HandleEvent(engine, courier.ProcFunc[OrderPlaced](notify))
//
// Discriminators narrow the payloads a handler accepts:
//
//	courier.EventHandler("OnRefund", courier.WhenPayload(
//	    courier.And(courier.HasFields("order_id"), courier.FieldEquals("reason", "damaged")),
//	))
//
// # Correlation
//
// Messages dispatched while another message is being handled inherit
// metadata from it. The handler's context carries the message being
// handled, and every CorrelationDataProvider derives entries from it:
//
//	courier.New(
//	    courier.WithCorrelationDataProvider(courier.MessageOriginProvider()),
//	    courier.WithCorrelationDataProvider(courier.SimpleCorrelationDataProvider("tenant")),
//	)
//
// Later providers override earlier ones on key collision.
//
// # Sagas
//
// A saga type is a factory and its saga event handlers. Each handler names
// the payload property whose value routes the event:
//
//	engine.RegisterSaga("fulfilment", func() any { return &Fulfilment{} },
//	    courier.SagaEventHandler("OnPlaced", "OrderID", courier.StartsSaga()),
//	    courier.SagaEventHandler("OnShipped", "OrderID", courier.EndsSaga()),
//	)
//
// Inside a saga handler, AssociateWith, RemoveAssociationWith and EndSaga
// change the running instance once the handler returns successfully. An
// instance whose last association is removed ends.
//
// # Hooks
//
// Hooks provide observability without coupling to specific logging or
// metrics systems. The metrics and tracing packages are ready-made hook
// bundles.
//
// Available hooks:
//   - WithOnReceive: Called when a message enters a bus, enriches context
//   - WithOnDispatch: Called just before a handler executes
//   - WithOnSuccess: Called after a handler succeeds
//   - WithOnFailure: Called after a handler fails
//   - WithOnNoHandler: Called when no handler is eligible
//   - WithOnComplete: Called once a message has been processed
//
// Multiple hooks of the same type are called in order.
//
// # Error Handling
//
// Command failures are returned to the caller: *NoHandlerError when no
// handler is eligible, *InvocationError when the handler fails. Event
// failures never stop delivery to other listeners; Publish returns them
// together as a *PublishError. Use errors.Is with the Err sentinels.
//
// # Thread Safety
//
// Engine is safe for concurrent use after registration is complete. Do not
// call RegisterComponent or RegisterSaga after dispatch has started.
// Commands targeting the same aggregate are serialized.
package courier
