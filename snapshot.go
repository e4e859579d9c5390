package courier

import (
	"context"
	"sync"
	"sync/atomic"
)

// Snapshotter takes snapshots of aggregate instances.
type Snapshotter interface {
	ScheduleSnapshot(ctx context.Context, aggregateID string)
}

// SnapshotterFunc is a function adapter for Snapshotter.
type SnapshotterFunc func(ctx context.Context, aggregateID string)

// ScheduleSnapshot implements Snapshotter.
func (f SnapshotterFunc) ScheduleSnapshot(ctx context.Context, aggregateID string) {
	f(ctx, aggregateID)
}

// SnapshotTrigger is told about every domain event handled for an
// aggregate and decides when to snapshot it.
type SnapshotTrigger interface {
	OnEventHandled(ctx context.Context, aggregateID string) bool
}

// EventCountSnapshotTrigger fires a snapshot after a fixed number of
// handled events per aggregate instance.
//
// Counters are independent per aggregate and updated with compare-and-swap,
// so concurrent handling of different aggregates never contends on a lock
// after the first event. A counter is dropped when its snapshot fires, so
// only aggregates with events since their last snapshot are tracked.
type EventCountSnapshotTrigger struct {
	snapshotter Snapshotter
	threshold   int64
	counters    sync.Map // aggregate id -> *atomic.Int64
}

// retired marks a counter removed after its snapshot fired. Callers that
// still hold it move on to a fresh counter.
const retired = -1

// NewEventCountSnapshotTrigger creates a trigger firing every threshold
// events. A threshold below one is treated as one.
func NewEventCountSnapshotTrigger(snapshotter Snapshotter, threshold int) *EventCountSnapshotTrigger {
	if threshold < 1 {
		threshold = 1
	}
	return &EventCountSnapshotTrigger{snapshotter: snapshotter, threshold: int64(threshold)}
}

// OnEventHandled counts one event for aggregateID. When the count reaches
// the threshold it schedules a snapshot, drops the counter and returns
// true. Exactly one of the concurrent callers reaching the threshold fires.
func (t *EventCountSnapshotTrigger) OnEventHandled(ctx context.Context, aggregateID string) bool {
	c := t.counter(aggregateID)
	for {
		cur := c.Load()
		if cur == retired {
			t.counters.CompareAndDelete(aggregateID, c)
			c = t.counter(aggregateID)
			continue
		}
		next := cur + 1
		if next < t.threshold {
			if c.CompareAndSwap(cur, next) {
				return false
			}
			continue
		}
		if !c.CompareAndSwap(cur, retired) {
			continue
		}
		t.counters.CompareAndDelete(aggregateID, c)
		if t.snapshotter != nil {
			t.snapshotter.ScheduleSnapshot(ctx, aggregateID)
		}
		return true
	}
}

// Count returns the number of events counted for aggregateID since its
// last snapshot.
func (t *EventCountSnapshotTrigger) Count(aggregateID string) int {
	v, ok := t.counters.Load(aggregateID)
	if !ok {
		return 0
	}
	return max(int(v.(*atomic.Int64).Load()), 0)
}

// Threshold returns the configured threshold.
func (t *EventCountSnapshotTrigger) Threshold() int { return int(t.threshold) }

func (t *EventCountSnapshotTrigger) counter(aggregateID string) *atomic.Int64 {
	if v, ok := t.counters.Load(aggregateID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := t.counters.LoadOrStore(aggregateID, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// tracked returns the number of aggregates holding a counter.
func (t *EventCountSnapshotTrigger) tracked() int {
	n := 0
	t.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
