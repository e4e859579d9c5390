package courier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type OpenAccount struct {
	AccountID string
	Owner     string
}

func (c OpenAccount) TargetAggregateIdentifier() string { return c.AccountID }

type Deposit struct {
	AccountID string
	Amount    int
}

func (c Deposit) TargetAggregateIdentifier() string { return c.AccountID }

type AccountOpened struct {
	AccountID string
	Owner     string
}

type Deposited struct {
	AccountID string
	Amount    int
}

type account struct {
	id      string
	owner   string
	balance int
}

func (a *account) Open(ctx context.Context, c OpenAccount) (string, error) {
	return c.AccountID, Apply(ctx, AccountOpened(c))
}

func (a *account) Deposit(ctx context.Context, c Deposit) (int, error) {
	if c.Amount <= 0 {
		return 0, errors.New("amount must be positive")
	}
	if err := Apply(ctx, Deposited(c)); err != nil {
		return 0, err
	}
	return a.balance, nil
}

func (a *account) OnOpened(e AccountOpened) {
	a.id, a.owner = e.AccountID, e.Owner
}

func (a *account) OnDeposited(e Deposited) {
	a.balance += e.Amount
}

type AggregateSuite struct {
	suite.Suite
	ctx       context.Context
	store     *InMemoryEventStore
	snapshots *snapshotRecorder
	engine    *Engine
	accounts  *AggregateRepository
}

func TestAggregateSuite(t *testing.T) {
	suite.Run(t, new(AggregateSuite))
}

func (s *AggregateSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewInMemoryEventStore()
	s.snapshots = &snapshotRecorder{}
	s.engine = New(WithEventStore(s.store))

	var err error
	s.accounts, err = s.engine.RegisterAggregate("account", func() any { return &account{} },
		[]Declaration{
			CommandHandler("Open", CreatesAggregate()),
			CommandHandler("Deposit"),
			EventSourcingHandler("OnOpened"),
			EventSourcingHandler("OnDeposited"),
		},
		WithAggregateSnapshotTrigger(NewEventCountSnapshotTrigger(s.snapshots, 2)),
	)
	s.Require().NoError(err)
}

func (s *AggregateSuite) dispatch(payload any) (any, error) {
	return s.engine.DispatchCommand(s.ctx, NewMessage(payload))
}

func (s *AggregateSuite) open(id string) {
	_, err := s.dispatch(OpenAccount{AccountID: id, Owner: "ada"})
	s.Require().NoError(err)
}

func (s *AggregateSuite) TestCommandsRunOnReplayedState() {
	s.open("a-1")

	got, err := s.dispatch(Deposit{AccountID: "a-1", Amount: 5})
	s.Require().NoError(err)
	s.Assert().Equal(5, got)
	got, err = s.dispatch(Deposit{AccountID: "a-1", Amount: 7})
	s.Require().NoError(err)
	s.Assert().Equal(12, got)

	stream, err := s.store.ReadEvents(s.ctx, "a-1")
	s.Require().NoError(err)
	s.Require().Len(stream, 3)
	for i, e := range stream {
		s.Assert().Equal(int64(i), e.Sequence())
		s.Assert().Equal("a-1", e.AggregateID())
	}

	state, version, err := s.accounts.Load(s.ctx, "a-1")
	s.Require().NoError(err)
	s.Assert().Equal(int64(3), version)
	s.Assert().Equal(&account{id: "a-1", owner: "ada", balance: 12}, state)
}

func (s *AggregateSuite) TestCreationRules() {
	_, err := s.dispatch(Deposit{AccountID: "a-9", Amount: 1})
	s.Assert().ErrorIs(err, ErrAggregateNotFound)

	s.open("a-1")
	_, err = s.dispatch(OpenAccount{AccountID: "a-1"})
	s.Assert().ErrorIs(err, ErrAggregateExists)

	_, err = s.engine.DispatchCommand(s.ctx, NewMessage(OpenAccount{}))
	s.Assert().ErrorIs(err, ErrAggregateNotFound)
}

func (s *AggregateSuite) TestFailedCommandAppliesNothing() {
	s.open("a-1")

	_, err := s.dispatch(Deposit{AccountID: "a-1", Amount: -1})

	s.Require().ErrorIs(err, ErrHandlerInvocationFailed)
	stream, err := s.store.ReadEvents(s.ctx, "a-1")
	s.Require().NoError(err)
	s.Assert().Len(stream, 1)
}

func (s *AggregateSuite) TestSnapshotTriggerIsPerAggregateType() {
	s.open("a-1")
	s.open("a-2")
	_, err := s.dispatch(Deposit{AccountID: "a-1", Amount: 1})
	s.Require().NoError(err)

	s.Assert().Equal(1, s.snapshots.count("a-1"))
	s.Assert().Equal(0, s.snapshots.count("a-2"))
	s.Assert().NotNil(s.accounts.SnapshotTrigger())
}

func (s *AggregateSuite) TestAppliedEventsArePublishedWithCorrelation() {
	var mu sync.Mutex
	var seen []Message
	s.engine.Subscribe(EventListenerFunc(func(ctx context.Context, e Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
		return nil
	}))
	cmd := NewMessage(OpenAccount{AccountID: "a-1"})

	_, err := s.engine.DispatchCommand(s.ctx, cmd)

	s.Require().NoError(err)
	s.Require().Len(seen, 1)
	s.Assert().Equal(PayloadName(AccountOpened{}), seen[0].Name())
	corr, ok := seen[0].MetadataValue(CorrelationIDKey)
	s.Assert().True(ok)
	s.Assert().Equal(cmd.ID(), corr)
}

func (s *AggregateSuite) TestEventHandlerDispatchesToTheSameAggregate() {
	s.Require().NoError(s.engine.RegisterComponent(&bonus{engine: s.engine}, EventHandler("OnDeposited")))
	s.open("a-1")

	completes(s.T(), func() {
		_, err := s.dispatch(Deposit{AccountID: "a-1", Amount: 100})
		s.Assert().NoError(err)
	})

	state, _, err := s.accounts.Load(s.ctx, "a-1")
	s.Require().NoError(err)
	s.Assert().Equal(101, state.(*account).balance)
}

func (s *AggregateSuite) TestQueries() {
	s.Assert().Equal([]string{"account"}, s.engine.Aggregates())
	r, ok := s.engine.Aggregate("account")
	s.Require().True(ok)
	s.Assert().Same(s.accounts, r)
	s.Assert().Equal("account", r.Name())
	s.Assert().Equal(2, s.engine.HandlerCount(CommandKind))
	s.Assert().Equal(2, s.engine.HandlerCount(EventSourcingKind))
}

// bonus credits one unit on every large deposit.
type bonus struct {
	engine *Engine
}

func (b *bonus) OnDeposited(ctx context.Context, e Deposited) error {
	if e.Amount < 100 {
		return nil
	}
	_, err := b.engine.DispatchCommand(ctx, NewMessage(Deposit{AccountID: e.AccountID, Amount: 1}))
	return err
}

func TestApplyOutsideAggregate(t *testing.T) {
	assert.Error(t, Apply(context.Background(), Deposited{}))
}

func TestRegisterAggregate_Errors(t *testing.T) {
	factory := func() any { return &account{} }

	t.Run("needs an event store", func(t *testing.T) {
		_, err := New().RegisterAggregate("account", factory, []Declaration{CommandHandler("Deposit")})
		assert.ErrorIs(t, err, ErrInvalidHandler)
	})

	t.Run("rejects a nil factory", func(t *testing.T) {
		_, err := New(WithEventStore(NewInMemoryEventStore())).RegisterAggregate("account", nil, nil)
		assert.ErrorIs(t, err, ErrInvalidHandler)
	})

	t.Run("rejects saga and event handlers", func(t *testing.T) {
		e := New(WithEventStore(NewInMemoryEventStore()))
		_, err := e.RegisterAggregate("account", factory, []Declaration{EventHandler("OnDeposited")})
		assert.ErrorIs(t, err, ErrInvalidHandler)
		_, err = e.RegisterAggregate("account", factory, []Declaration{SagaEventHandler("OnDeposited", "AccountID")})
		assert.ErrorIs(t, err, ErrInvalidHandler)
	})

	t.Run("rejects a duplicate name", func(t *testing.T) {
		e := New(WithEventStore(NewInMemoryEventStore()))
		_, err := e.RegisterAggregate("account", factory, []Declaration{CommandHandler("Deposit")})
		require.NoError(t, err)
		_, err = e.RegisterAggregate("account", factory, []Declaration{CommandHandler("Open")})
		assert.ErrorIs(t, err, ErrDuplicateDeclaration)
	})

	t.Run("event-sourcing handlers belong to aggregates", func(t *testing.T) {
		err := New().RegisterComponent(&account{}, EventSourcingHandler("OnDeposited"))
		assert.ErrorIs(t, err, ErrInvalidHandler)
	})
}
