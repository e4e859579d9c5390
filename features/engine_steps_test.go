package features

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/bjaus/courier"
	"github.com/cucumber/godog"
)

type CustomResource struct{}

type component struct {
	mu       sync.Mutex
	commands int
	events   int
	numbers  []int
}

func (c *component) Execute(cmd string, r *CustomResource) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands++
	return cmd
}

func (c *component) On(event string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events++
	c.numbers = append(c.numbers, n)
}

type otherComponent struct {
	calls int
}

func (o *otherComponent) Execute(cmd string) { o.calls++ }

type greeting struct {
	seen int
}

func (g *greeting) OnText(text string) { g.seen++ }

// EngineContext holds state for engine scenarios.
type EngineContext struct {
	options   []courier.Option
	engine    *courier.Engine
	component *component
	lastErr   error
	caused    courier.Message
	snapshots map[string]int
}

func (e *EngineContext) reset() {
	*e = EngineContext{snapshots: make(map[string]int)}
}

// built creates the engine from the options gathered so far.
func (e *EngineContext) built() *courier.Engine {
	if e.engine == nil {
		e.engine = courier.New(e.options...)
	}
	return e.engine
}

// InitEngineSteps registers engine step definitions.
func InitEngineSteps(ctx *godog.ScenarioContext) {
	ec := &EngineContext{}
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		ec.reset()
		return c, nil
	})

	ctx.Step(`^an engine with a custom resource and integers fixed to (\d+)$`, ec.givenEngine)
	ctx.Step(`^a component with a command handler and an event handler$`, ec.givenComponent)
	ctx.Step(`^correlation providers for "([^"]*)" and then "([^"]*)"$`, ec.givenCorrelation)
	ctx.Step(`^a saga "([^"]*)" started by string events$`, ec.givenSaga)
	ctx.Step(`^an in-memory event store and a snapshot threshold of (\d+)$`, ec.givenSnapshots)

	ctx.Step(`^I dispatch the command "([^"]*)"$`, ec.whenDispatch)
	ctx.Step(`^I publish the event "([^"]*)"$`, ec.whenPublish)
	ctx.Step(`^I publish the events "([^"]*)"$`, ec.whenPublishMany)
	ctx.Step(`^I register another handler for string commands$`, ec.whenRegisterDuplicate)
	ctx.Step(`^a command carrying "([^"]*)" causes another command$`, ec.whenCausing)
	ctx.Step(`^(\d+) events are published for aggregate "([^"]*)" and (\d+) for aggregate "([^"]*)"$`, ec.whenAggregateEvents)

	ctx.Step(`^the command handler is invoked (\d+) times?$`, ec.thenCommandInvoked)
	ctx.Step(`^the event handler is invoked (\d+) times? with (\d+)$`, ec.thenEventInvoked)
	ctx.Step(`^exactly (\d+) invocations are recorded$`, ec.thenInvocations)
	ctx.Step(`^the dispatch fails because no handler was found$`, ec.thenNoHandler)
	ctx.Step(`^the registration fails as a duplicate$`, ec.thenDuplicate)
	ctx.Step(`^the caused command carries "([^"]*)"$`, ec.thenCausedCarries)
	ctx.Step(`^(\d+) "([^"]*)" sagas are active$`, ec.thenSagasActive)
	ctx.Step(`^the "([^"]*)" saga for "([^"]*)" has seen (\d+) events$`, ec.thenSagaSeen)
	ctx.Step(`^(\d+) snapshots? (?:is|are) scheduled for "([^"]*)"$`, ec.thenSnapshots)
}

func (e *EngineContext) givenEngine(n int) error {
	e.options = append(e.options,
		courier.WithResources(&CustomResource{}),
		courier.WithResolverFactory(courier.ResolverFactoryFunc(func(params []courier.ParameterShape, i int) courier.ParameterResolver {
			if params[i].Type == reflect.TypeFor[int]() {
				return courier.FixedValue(n)
			}
			return nil
		})),
	)
	return nil
}

func (e *EngineContext) givenComponent() error {
	e.component = &component{}
	return e.built().RegisterComponent(e.component,
		courier.CommandHandler("Execute"),
		courier.EventHandler("On"),
	)
}

func (e *EngineContext) givenCorrelation(first, second string) error {
	e.options = append(e.options,
		courier.WithCorrelationDataProvider(courier.SimpleCorrelationDataProvider(first)),
		courier.WithCorrelationDataProvider(courier.SimpleCorrelationDataProvider(second)),
	)
	return nil
}

func (e *EngineContext) givenSaga(name string) error {
	_, err := e.built().RegisterSaga(name, func() any { return &greeting{} },
		courier.SagaEventHandler("OnText", courier.AssociationToString, courier.StartsSaga()),
	)
	return err
}

func (e *EngineContext) givenSnapshots(threshold int) error {
	snap := courier.SnapshotterFunc(func(ctx context.Context, id string) { e.snapshots[id]++ })
	e.options = append(e.options,
		courier.WithEventStore(courier.NewInMemoryEventStore()),
		courier.WithSnapshotTrigger(courier.NewEventCountSnapshotTrigger(snap, threshold)),
	)
	return nil
}

func (e *EngineContext) whenDispatch(payload string) error {
	_, e.lastErr = e.built().DispatchCommand(context.Background(), courier.NewMessage(payload))
	return nil
}

func (e *EngineContext) whenPublish(payload string) error {
	return e.built().Publish(context.Background(), courier.NewMessage(payload))
}

func (e *EngineContext) whenPublishMany(payloads string) error {
	var events []courier.Message
	for _, p := range strings.Split(payloads, ",") {
		events = append(events, courier.NewMessage(p))
	}
	return e.built().Publish(context.Background(), events...)
}

func (e *EngineContext) whenRegisterDuplicate() error {
	e.lastErr = e.built().RegisterComponent(&otherComponent{}, courier.CommandHandler("Execute"))
	return nil
}

func (e *EngineContext) whenCausing(pairs string) error {
	eng := e.built()
	err := eng.CommandBus().Subscribe("start", courier.CommandHandlerFunc(func(ctx context.Context, m courier.Message) (any, error) {
		return eng.DispatchCommand(ctx, courier.NewMessage(nil).WithName("next"))
	}))
	if err != nil {
		return err
	}
	err = eng.CommandBus().Subscribe("next", courier.CommandHandlerFunc(func(ctx context.Context, m courier.Message) (any, error) {
		e.caused = m
		return nil, nil
	}))
	if err != nil {
		return err
	}
	_, err = eng.DispatchCommand(context.Background(), courier.NewMessage(nil).WithName("start").WithMetadata(parsePairs(pairs)))
	return err
}

func (e *EngineContext) whenAggregateEvents(n int, first string, m int, second string) error {
	var events []courier.Message
	for i := range n {
		events = append(events, courier.NewMessage(i).WithAggregate(first, int64(i)))
	}
	for i := range m {
		events = append(events, courier.NewMessage(i).WithAggregate(second, int64(i)))
	}
	return e.built().Publish(context.Background(), events...)
}

func (e *EngineContext) thenCommandInvoked(n int) error {
	if e.lastErr != nil {
		return e.lastErr
	}
	if e.component.commands != n {
		return fmt.Errorf("expected %d command invocations, got %d", n, e.component.commands)
	}
	return nil
}

func (e *EngineContext) thenEventInvoked(n, value int) error {
	if e.component.events != n {
		return fmt.Errorf("expected %d event invocations, got %d", n, e.component.events)
	}
	for _, got := range e.component.numbers {
		if got != value {
			return fmt.Errorf("expected the event handler to receive %d, got %d", value, got)
		}
	}
	return nil
}

func (e *EngineContext) thenInvocations(n int) error {
	if got := e.component.commands + e.component.events; got != n {
		return fmt.Errorf("expected %d invocations, got %d", n, got)
	}
	return nil
}

func (e *EngineContext) thenNoHandler() error {
	if !errors.Is(e.lastErr, courier.ErrNoHandlerFound) {
		return fmt.Errorf("expected no handler found, got %v", e.lastErr)
	}
	return nil
}

func (e *EngineContext) thenDuplicate() error {
	if !errors.Is(e.lastErr, courier.ErrDuplicateHandlerRegistration) {
		return fmt.Errorf("expected duplicate handler registration, got %v", e.lastErr)
	}
	return nil
}

func (e *EngineContext) thenCausedCarries(pairs string) error {
	want := parsePairs(pairs)
	if got := e.caused.Metadata(); !reflect.DeepEqual(got, want) {
		return fmt.Errorf("expected metadata %v, got %v", want, got)
	}
	return nil
}

func (e *EngineContext) thenSagasActive(n int, name string) error {
	if got := e.built().SagaCount(name); got != n {
		return fmt.Errorf("expected %d active %s sagas, got %d", n, name, got)
	}
	return nil
}

func (e *EngineContext) thenSagaSeen(name, value string, n int) error {
	m, ok := e.built().Saga(name)
	if !ok {
		return fmt.Errorf("saga %s is not registered", name)
	}
	found := m.Lookup(courier.NewAssociationValue(courier.AssociationToString, value))
	if len(found) != 1 {
		return fmt.Errorf("expected one %s saga for %s, got %d", name, value, len(found))
	}
	if seen := found[0].Saga.(*greeting).seen; seen != n {
		return fmt.Errorf("expected %d events, got %d", n, seen)
	}
	return nil
}

func (e *EngineContext) thenSnapshots(n int, id string) error {
	if got := e.snapshots[id]; got != n {
		return fmt.Errorf("expected %d snapshots for %s, got %d", n, id, got)
	}
	return nil
}

func parsePairs(s string) courier.Metadata {
	md := courier.Metadata{}
	for _, pair := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(pair, "=")
		md[k] = v
	}
	return md
}
