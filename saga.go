package courier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SagaCreationPolicy decides whether a saga handler may start an instance.
type SagaCreationPolicy int

const (
	// CreateNever only routes events to existing instances.
	CreateNever SagaCreationPolicy = iota

	// CreateIfNoneFound starts an instance when no Active instance holds
	// the event's association value.
	CreateIfNoneFound

	// CreateAlways starts a new instance for every matching event, in
	// addition to routing it to existing instances.
	CreateAlways
)

func (p SagaCreationPolicy) String() string {
	switch p {
	case CreateNever:
		return "never"
	case CreateIfNoneFound:
		return "if-none-found"
	case CreateAlways:
		return "always"
	default:
		return fmt.Sprintf("SagaCreationPolicy(%d)", int(p))
	}
}

// SagaState is the lifecycle state of a saga instance.
type SagaState int32

const (
	SagaUninitialized SagaState = iota
	SagaActive
	SagaEnded
)

func (s SagaState) String() string {
	switch s {
	case SagaUninitialized:
		return "uninitialized"
	case SagaActive:
		return "active"
	case SagaEnded:
		return "ended"
	default:
		return fmt.Sprintf("SagaState(%d)", int32(s))
	}
}

type sagaInstance struct {
	id    string
	saga  any
	state atomic.Int32

	// mu guards associations. Handler invocations are serialized by the
	// manager's instance locks.
	mu           sync.Mutex
	associations map[AssociationValue]struct{}
}

func (i *sagaInstance) State() SagaState { return SagaState(i.state.Load()) }

// SagaInstance is a point-in-time view of a saga instance.
type SagaInstance struct {
	ID           string
	Saga         any
	State        SagaState
	Associations []AssociationValue
}

// SagaManager routes events to the instances of one saga type by
// association value.
//
// A new instance stays Uninitialized until its starting handler returns.
// Events routed to it in the meantime wait for that handler and skip the
// instance if it fails. Handlers of one instance never run concurrently,
// except for events the running handler causes itself: those re-enter the
// instance instead of waiting for it.
type SagaManager struct {
	name    string
	factory func() any
	defs    []*HandlerDefinition
	index   *associationIndex
	locks   *keyedMutex
	logger  *zap.Logger

	mu        sync.RWMutex
	instances map[string]*sagaInstance
}

// NewSagaManager creates a manager for the saga type name. defs must be
// saga event handlers declared on a value produced by factory; they are
// invoked on the instance an event routes to.
func NewSagaManager(name string, factory func() any, defs []*HandlerDefinition, logger *zap.Logger) *SagaManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sagaDefs []*HandlerDefinition
	for _, d := range defs {
		if d.kind == SagaEventKind {
			sagaDefs = append(sagaDefs, d)
		}
	}
	return &SagaManager{
		name:      name,
		factory:   factory,
		defs:      sagaDefs,
		index:     newAssociationIndex(defaultIndexShards),
		locks:     newKeyedMutex(),
		logger:    logger.With(zap.String("saga", name)),
		instances: make(map[string]*sagaInstance),
	}
}

// Name returns the saga type name.
func (m *SagaManager) Name() string { return m.name }

func (m *SagaManager) String() string { return "saga:" + m.name }

// Handle routes event to the saga instances holding its association value.
// An event no instance is associated with, and that no handler may start a
// saga for, is dropped without error.
func (m *SagaManager) Handle(ctx context.Context, event Message) error {
	_, err := m.handleEvent(ctx, event)
	return err
}

// sagaRoute is one handler able to take an event, with the association
// value it evaluated.
type sagaRoute struct {
	def *HandlerDefinition
	av  AssociationValue
}

type sagaTarget struct {
	inst *sagaInstance
	def  *HandlerDefinition
}

func (m *SagaManager) handleEvent(ctx context.Context, event Message) (bool, error) {
	routes := m.routesFor(event)
	if len(routes) == 0 {
		return false, nil
	}
	for {
		handled, retry, err := m.route(ctx, event, routes)
		if !retry {
			return handled, err
		}
	}
}

// routesFor evaluates the association of every handler that can take
// event, in registration order.
func (m *SagaManager) routesFor(event Message) []sagaRoute {
	var routes []sagaRoute
	for _, d := range m.defs {
		if !d.CanHandle(event) {
			continue
		}
		av, ok := d.associationFor(event)
		if !ok {
			m.logger.Debug("association not evaluated",
				zap.String("handler", d.Signature()),
				zap.String("property", d.association),
			)
			continue
		}
		routes = append(routes, sagaRoute{def: d, av: av})
	}
	return routes
}

// route delivers event once. Every instance found through any route is
// invoked once, by the first route that found it. retry reports that the
// only instances found ended before the event reached them and a starting
// handler may create a fresh one.
func (m *SagaManager) route(ctx context.Context, event Message, routes []sagaRoute) (handled, retry bool, err error) {
	var targets []sagaTarget
	seen := make(map[*sagaInstance]bool)
	collect := func(def *HandlerDefinition, found []*sagaInstance) {
		for _, inst := range found {
			if !seen[inst] {
				seen[inst] = true
				targets = append(targets, sagaTarget{inst: inst, def: def})
			}
		}
	}
	for _, r := range routes {
		collect(r.def, m.index.find(r.av))
	}

	var (
		creator  *sagaRoute
		created  *sagaInstance
		startCtx context.Context
		release  func()
	)
	for i := range routes {
		if routes[i].def.creation != CreateNever {
			creator = &routes[i]
			break
		}
	}
	newInstance := func() *sagaInstance {
		inst := m.newInstance(creator.av)
		startCtx, release = m.locks.Lock(ctx, inst.id)
		return inst
	}
	if creator != nil {
		switch creator.def.creation {
		case CreateAlways:
			created = newInstance()
			m.index.add(creator.av, created)
		case CreateIfNoneFound:
			if len(targets) == 0 {
				var found []*sagaInstance
				found, created = m.index.findOrCreate(creator.av, newInstance)
				collect(creator.def, found)
			}
		}
	}
	if created == nil && len(targets) == 0 {
		m.logger.Debug("association not found", zap.String("event", event.Name()))
		return false, false, nil
	}

	// The new instance runs first: its lock is held from creation, and an
	// existing instance's handler may route back to it.
	if created != nil {
		invoked, serr := m.start(startCtx, creator.def, created, event)
		release()
		handled, err = invoked, serr
	}

	ended := 0
	for _, t := range targets {
		invoked, ierr := m.invoke(ctx, t.def, t.inst, event)
		if !invoked && ierr == nil && t.inst.State() == SagaEnded {
			ended++
		}
		handled = handled || invoked
		err = multierr.Append(err, ierr)
	}
	retry = creator != nil && creator.def.creation == CreateIfNoneFound &&
		created == nil && !handled && err == nil && ended == len(targets)
	return handled, retry, err
}

func (m *SagaManager) newInstance(av AssociationValue) *sagaInstance {
	inst := &sagaInstance{
		id:           uuid.NewString(),
		saga:         m.factory(),
		associations: map[AssociationValue]struct{}{av: {}},
	}
	inst.state.Store(int32(SagaUninitialized))
	return inst
}

// start runs the creating handler on inst, whose lock ctx holds. The
// instance becomes Active when the handler succeeds and is ended otherwise.
func (m *SagaManager) start(ctx context.Context, def *HandlerDefinition, inst *sagaInstance, event Message) (bool, error) {
	invoked, err := m.invokeLocked(ctx, def, inst, event)
	if !invoked || err != nil {
		m.end(inst)
		return invoked, err
	}
	if !inst.state.CompareAndSwap(int32(SagaUninitialized), int32(SagaActive)) {
		return true, nil
	}

	m.mu.Lock()
	m.instances[inst.id] = inst
	m.mu.Unlock()

	m.logger.Debug("saga started", zap.String("saga_id", inst.id), zap.String("event", event.Name()))
	return true, nil
}

func (m *SagaManager) invoke(ctx context.Context, def *HandlerDefinition, inst *sagaInstance, event Message) (bool, error) {
	ctx, unlock := m.locks.Lock(ctx, inst.id)
	defer unlock()
	return m.invokeLocked(ctx, def, inst, event)
}

// invokeLocked runs def on inst and applies the lifecycle changes it
// requested. The caller holds the instance lock.
func (m *SagaManager) invokeLocked(ctx context.Context, def *HandlerDefinition, inst *sagaInstance, event Message) (bool, error) {
	if inst.State() == SagaEnded {
		return false, nil
	}

	scope := &sagaScope{id: inst.id}
	ctx = context.WithValue(ctx, sagaScopeKey{}, scope)
	_, invoked, err := def.invokeOn(ctx, inst.saga, event)
	if !invoked || err != nil {
		return invoked, err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State() == SagaEnded {
		return true, nil
	}
	for _, av := range scope.added {
		if _, ok := inst.associations[av]; ok {
			continue
		}
		inst.associations[av] = struct{}{}
		m.index.add(av, inst)
	}
	for _, av := range scope.removed {
		if _, ok := inst.associations[av]; !ok {
			continue
		}
		delete(inst.associations, av)
		m.index.remove(av, inst)
	}
	if def.end || scope.end || len(inst.associations) == 0 {
		m.endLocked(inst)
	}
	return true, nil
}

func (m *SagaManager) end(inst *sagaInstance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	m.endLocked(inst)
}

// endLocked marks inst Ended and removes it from the index. Ending an
// Ended instance is a no-op. The caller holds inst.mu.
func (m *SagaManager) endLocked(inst *sagaInstance) {
	for {
		cur := inst.state.Load()
		if cur == int32(SagaEnded) {
			return
		}
		if inst.state.CompareAndSwap(cur, int32(SagaEnded)) {
			break
		}
	}
	for av := range inst.associations {
		m.index.remove(av, inst)
	}

	m.mu.Lock()
	delete(m.instances, inst.id)
	m.mu.Unlock()

	m.logger.Debug("saga ended", zap.String("saga_id", inst.id))
}

// ActiveCount returns the number of Active instances.
func (m *SagaManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Lookup returns the Active instances holding av. Instances whose starting
// handler is still running are not reported.
func (m *SagaManager) Lookup(av AssociationValue) []SagaInstance {
	found := m.index.find(av)
	out := make([]SagaInstance, 0, len(found))
	for _, inst := range found {
		if inst.State() != SagaActive {
			continue
		}
		inst.mu.Lock()
		view := SagaInstance{ID: inst.id, Saga: inst.saga, State: inst.State()}
		for a := range inst.associations {
			view.Associations = append(view.Associations, a)
		}
		inst.mu.Unlock()
		out = append(out, view)
	}
	return out
}

type sagaScopeKey struct{}

// sagaScope collects lifecycle changes requested by a running saga
// handler. They are applied only when the handler succeeds.
type sagaScope struct {
	id      string
	added   []AssociationValue
	removed []AssociationValue
	end     bool
}

func scopeFrom(ctx context.Context) *sagaScope {
	s, _ := ctx.Value(sagaScopeKey{}).(*sagaScope)
	return s
}

// AssociateWith associates the running saga instance with key=value so
// later events carrying that value route to it. Outside a saga handler it
// does nothing.
func AssociateWith(ctx context.Context, key, value string) {
	if s := scopeFrom(ctx); s != nil {
		s.added = append(s.added, AssociationValue{Key: key, Value: value})
	}
}

// RemoveAssociationWith drops key=value from the running saga instance.
// An instance left without associations ends.
func RemoveAssociationWith(ctx context.Context, key, value string) {
	if s := scopeFrom(ctx); s != nil {
		s.removed = append(s.removed, AssociationValue{Key: key, Value: value})
	}
}

// EndSaga ends the running saga instance once its handler returns.
func EndSaga(ctx context.Context) {
	if s := scopeFrom(ctx); s != nil {
		s.end = true
	}
}

// SagaID returns the identifier of the running saga instance.
func SagaID(ctx context.Context) (string, bool) {
	if s := scopeFrom(ctx); s != nil {
		return s.id, true
	}
	return "", false
}
