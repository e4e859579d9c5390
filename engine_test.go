package courier

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type CustomResource struct {
	Name string
}

type autoConfigured struct {
	mu          sync.Mutex
	invocations []string
	numbers     []int
}

func (c *autoConfigured) Execute(cmd string, r *CustomResource) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocations = append(c.invocations, "command:"+cmd)
	return r.Name
}

func (c *autoConfigured) On(event string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocations = append(c.invocations, "event:"+event)
	c.numbers = append(c.numbers, n)
}

type textSaga struct {
	seen []string
}

func (s *textSaga) OnText(text string) {
	s.seen = append(s.seen, text)
}

func fixedIntegers(params []ParameterShape, index int) ParameterResolver {
	if params[index].Type == reflect.TypeFor[int]() {
		return FixedValue(1)
	}
	return nil
}

type EngineSuite struct {
	suite.Suite
	ctx       context.Context
	snapshots *snapshotRecorder
	store     *InMemoryEventStore
	engine    *Engine
	component *autoConfigured
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.snapshots = &snapshotRecorder{}
	s.store = NewInMemoryEventStore()
	s.component = &autoConfigured{}

	s.engine = New(
		WithLogger(zaptest.NewLogger(s.T())),
		WithResolverFactory(ResolverFactoryFunc(fixedIntegers)),
		WithResources(&CustomResource{Name: "custom"}),
		WithCorrelationDataProvider(SimpleCorrelationDataProvider("key1")),
		WithCorrelationDataProvider(SimpleCorrelationDataProvider("key2")),
		WithEventStore(s.store),
		WithSnapshotTrigger(NewEventCountSnapshotTrigger(s.snapshots, 2)),
	)
	s.Require().NoError(s.engine.RegisterComponent(s.component,
		CommandHandler("Execute"),
		EventHandler("On"),
	))
}

func (s *EngineSuite) TestEndToEnd() {
	got, err := s.engine.DispatchCommand(s.ctx, NewMessage("cmd"))
	s.Require().NoError(err)
	s.Assert().Equal("custom", got)
	s.Assert().Equal([]string{"command:cmd"}, s.component.invocations)

	s.Require().NoError(s.engine.Publish(s.ctx, NewMessage("evt")))

	s.Assert().Equal([]string{"command:cmd", "event:evt"}, s.component.invocations)
	s.Assert().Equal([]int{1}, s.component.numbers)
}

func (s *EngineSuite) TestConfiguration() {
	s.Assert().Equal(2, s.engine.Correlation().Len())
	s.Assert().Len(s.engine.ResolverFactory().Factories(), 7)
	s.Assert().Equal(1, s.engine.HandlerCount(CommandKind))
	s.Assert().Equal(1, s.engine.HandlerCount(EventKind))
	s.Assert().Equal(0, s.engine.HandlerCount(SagaEventKind))
	s.Assert().Same(s.store, s.engine.EventStore())
	s.Assert().False(s.engine.CommandBus().Async())
}

func (s *EngineSuite) TestTwoSagasAssociateOnPayloadString() {
	for _, name := range []string{"customSaga", "textSaga"} {
		_, err := s.engine.RegisterSaga(name, func() any { return &textSaga{} },
			SagaEventHandler("OnText", AssociationToString, StartsSaga()),
		)
		s.Require().NoError(err)
	}

	s.Require().NoError(s.engine.Publish(s.ctx, NewMessage("X"), NewMessage("X"), NewMessage("Y")))

	s.Assert().Equal([]string{"customSaga", "textSaga"}, s.engine.Sagas())
	s.Assert().Equal(2, s.engine.SagaCount("customSaga"))
	s.Assert().Equal(2, s.engine.SagaCount("textSaga"))
	s.Assert().Equal(0, s.engine.SagaCount("unknown"))

	m, ok := s.engine.Saga("textSaga")
	s.Require().True(ok)
	matches := m.Lookup(NewAssociationValue(AssociationToString, "X"))
	s.Require().Len(matches, 1)
	s.Assert().Equal([]string{"X", "X"}, matches[0].Saga.(*textSaga).seen)
}

func (s *EngineSuite) TestDomainEventsAreStoredAndSnapshotted() {
	events := []Message{
		NewMessage("a").WithAggregate("agg-1", 0),
		NewMessage("b").WithAggregate("agg-1", 1),
		NewMessage("c").WithAggregate("agg-2", 0),
	}

	s.Require().NoError(s.engine.Publish(s.ctx, events...))

	stored, err := s.store.ReadEvents(s.ctx, "agg-1")
	s.Require().NoError(err)
	s.Assert().Len(stored, 2)
	s.Assert().Equal(1, s.snapshots.count("agg-1"))
	s.Assert().Equal(0, s.snapshots.count("agg-2"))
}

func (s *EngineSuite) TestStoreConflictAbortsDelivery() {
	s.Require().NoError(s.engine.Publish(s.ctx, NewMessage("a").WithAggregate("agg-1", 0)))

	err := s.engine.Publish(s.ctx, NewMessage("dup").WithAggregate("agg-1", 0))

	s.Assert().ErrorIs(err, ErrSequenceConflict)
	s.Assert().Equal([]string{"event:a"}, s.component.invocations)
}

func (s *EngineSuite) TestCorrelationKeysFlowIntoCausedMessages() {
	var caused Message
	e := New(
		WithCorrelationDataProvider(SimpleCorrelationDataProvider("key1")),
		WithCorrelationDataProvider(SimpleCorrelationDataProvider("key2")),
	)
	s.Require().NoError(e.CommandBus().Subscribe("start", CommandHandlerFunc(func(ctx context.Context, m Message) (any, error) {
		return e.DispatchCommand(ctx, NewMessage(nil).WithName("next"))
	})))
	s.Require().NoError(e.CommandBus().Subscribe("next", CommandHandlerFunc(func(ctx context.Context, m Message) (any, error) {
		caused = m
		return nil, nil
	})))

	_, err := e.DispatchCommand(s.ctx, NewMessage(nil).WithName("start").WithMetadata(Metadata{"key1": "a", "key2": "b", "key3": "c"}))

	s.Require().NoError(err)
	s.Assert().Equal(Metadata{"key1": "a", "key2": "b"}, caused.Metadata())
}

func (s *EngineSuite) TestRegisterComponentRejectsSagaHandlers() {
	err := s.engine.RegisterComponent(&textSaga{}, SagaEventHandler("OnText", AssociationToString))

	s.Assert().ErrorIs(err, ErrInvalidHandler)
}

func (s *EngineSuite) TestRegisterComponentIsAllOrNothing() {
	s.Run("command name already taken", func() {
		e := New()
		s.Require().NoError(e.RegisterComponent(&orders{}, CommandHandler("Place")))
		c := &catalogue{}

		err := e.RegisterComponent(c,
			CommandHandler("Tick", HandlesName("tick")),
			CommandHandler("Add"),
			EventHandler("OnPlaced"),
		)

		s.Assert().ErrorIs(err, ErrDuplicateHandlerRegistration)
		s.Assert().Equal(1, e.HandlerCount(CommandKind))
		s.Assert().Equal(0, e.HandlerCount(EventKind))
		s.Assert().Equal(1, e.CommandBus().Len())
		s.Assert().Equal(0, e.EventBus().Len())
		_, err = e.DispatchCommand(s.ctx, NewMessage(nil).WithName("tick"))
		s.Assert().ErrorIs(err, ErrNoHandlerFound)

		s.Assert().NoError(e.RegisterComponent(c, CommandHandler("Tick", HandlesName("tick")), EventHandler("OnPlaced")))
	})

	s.Run("unknown method", func() {
		e := New()
		c := &catalogue{}

		err := e.RegisterComponent(c, CommandHandler("Add"), EventHandler("Missing"))

		s.Assert().ErrorIs(err, ErrUnknownMethod)
		s.Assert().Equal(0, e.HandlerCount(CommandKind))
		s.Assert().Equal(0, e.CommandBus().Len())
		s.Assert().NoError(e.RegisterComponent(c, CommandHandler("Add")))
		s.Assert().Equal(1, e.HandlerCount(CommandKind))
	})

	s.Run("typed handler for a taken command", func() {
		e := New()
		s.Require().NoError(e.RegisterComponent(&orders{}, CommandHandler("Place")))

		err := HandleCommand(e, FuncFunc[PlaceOrder, string](func(ctx context.Context, c PlaceOrder) (string, error) {
			return "", nil
		}))

		s.Assert().ErrorIs(err, ErrDuplicateHandlerRegistration)
		s.Assert().Equal(1, e.HandlerCount(CommandKind))
	})
}

func (s *EngineSuite) TestShutdownWaitsForAsyncCommands() {
	e := New(WithAsyncCommands(2))
	release := make(chan struct{})
	s.Require().NoError(e.CommandBus().Subscribe("slow", CommandHandlerFunc(func(ctx context.Context, m Message) (any, error) {
		<-release
		return "done", nil
	})))

	f := e.DispatchCommandAsync(s.ctx, NewMessage(nil).WithName("slow"))
	close(release)

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.Require().NoError(e.Shutdown(ctx))
	select {
	case <-f.Done():
	default:
		s.Fail("future not completed after shutdown")
	}
	got, err := f.Get(s.ctx)
	s.Require().NoError(err)
	s.Assert().Equal("done", got)
}
