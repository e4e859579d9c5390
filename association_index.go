package courier

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultIndexShards = 32

// associationIndex maps association values to the saga instances holding
// them. Each value hashes to one shard; every operation on a value holds
// that shard's lock, so lookups never observe a half-inserted or
// half-removed instance.
type associationIndex struct {
	shards []indexShard
}

type indexShard struct {
	mu      sync.RWMutex
	entries map[AssociationValue][]*sagaInstance
}

func newAssociationIndex(shards int) *associationIndex {
	if shards <= 0 {
		shards = defaultIndexShards
	}
	idx := &associationIndex{shards: make([]indexShard, shards)}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[AssociationValue][]*sagaInstance)
	}
	return idx
}

func (idx *associationIndex) shard(av AssociationValue) *indexShard {
	h := xxhash.New()
	_, _ = h.WriteString(av.Key)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(av.Value)
	return &idx.shards[h.Sum64()%uint64(len(idx.shards))]
}

// find returns the instances holding av that have not ended, in insertion
// order. Instances still starting are included; callers wait on their
// lock before using them.
func (idx *associationIndex) find(av AssociationValue) []*sagaInstance {
	s := idx.shard(av)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return liveOf(s.entries[av])
}

// findOrCreate returns the instances holding av that have not ended. When
// there are none it builds one with create and inserts it before releasing
// the shard, so concurrent callers for the same value agree on a single
// instance.
func (idx *associationIndex) findOrCreate(av AssociationValue, create func() *sagaInstance) (found []*sagaInstance, created *sagaInstance) {
	s := idx.shard(av)
	s.mu.Lock()
	defer s.mu.Unlock()
	if found = liveOf(s.entries[av]); len(found) > 0 {
		return found, nil
	}
	created = create()
	s.entries[av] = append(s.entries[av], created)
	return nil, created
}

func (idx *associationIndex) add(av AssociationValue, inst *sagaInstance) {
	s := idx.shard(av)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries[av] {
		if existing == inst {
			return
		}
	}
	s.entries[av] = append(s.entries[av], inst)
}

func (idx *associationIndex) remove(av AssociationValue, inst *sagaInstance) {
	s := idx.shard(av)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[av]
	for i, existing := range list {
		if existing == inst {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.entries, av)
		return
	}
	s.entries[av] = list
}

func liveOf(list []*sagaInstance) []*sagaInstance {
	var out []*sagaInstance
	for _, inst := range list {
		if inst.State() != SagaEnded {
			out = append(out, inst)
		}
	}
	return out
}
