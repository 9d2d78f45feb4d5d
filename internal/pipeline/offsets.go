package pipeline

import (
	"sort"
	"sync"

	"github.com/lsm/eventsub/internal/source"
)

type partitionKey struct {
	topic     string
	partition int32
}

// ticket marks one tracked event until it is resolved.
type ticket struct {
	key      partitionKey
	offset   int64
	resolved bool
	// stale tickets belong to a dropped partition.
	stale bool
}

type partitionState struct {
	// queue holds unresolved events and resolved ones still behind an
	// unresolved predecessor, in arrival order.
	queue []*ticket
	// next is one past the highest offset of the resolved prefix, -1 if
	// nothing has been resolved yet.
	next      int64
	committed int64
}

// commitPosition is the lowest unresolved offset, or one past the highest
// resolved offset when nothing is pending.
func (ps *partitionState) commitPosition() (int64, bool) {
	if ps.next < 0 {
		return 0, false
	}
	if len(ps.queue) > 0 {
		return ps.queue[0].offset, true
	}
	return ps.next, true
}

// offsetTracker computes safe commit positions per partition. An offset
// is never committed while an earlier offset of the same partition is
// unresolved.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionKey]*partitionState
	// settled counts resolved events no snapshot has covered yet.
	settled int
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionKey]*partitionState)}
}

// track registers evt as in flight. Events of one partition must be
// tracked in offset order.
func (t *offsetTracker) track(evt source.Event) *ticket {
	key := partitionKey{topic: evt.Topic, partition: evt.Partition}
	tk := &ticket{key: key, offset: evt.Offset}

	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.parts[key]
	if !ok {
		ps = &partitionState{next: -1, committed: -1}
		t.parts[key] = ps
	}
	ps.queue = append(ps.queue, tk)
	return tk
}

// resolve marks tk done and reports whether that settled any event: the
// partition's watermark advanced, or tk belongs to a dropped partition.
// Resolving twice is a no-op.
func (t *offsetTracker) resolve(tk *ticket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk.resolved {
		return false
	}
	tk.resolved = true
	if tk.stale {
		t.settled++
		return true
	}

	ps := t.parts[tk.key]
	popped := 0
	for len(ps.queue) > 0 && ps.queue[0].resolved {
		ps.next = ps.queue[0].offset + 1
		ps.queue[0] = nil
		ps.queue = ps.queue[1:]
		popped++
	}
	t.settled += popped
	return popped > 0
}

// drop forgets partitions. Their queued tickets turn stale: those already
// resolved are settled at once, the rest settle when resolved. It returns
// how many dropped events were still in flight.
func (t *offsetTracker) drop(keys []partitionKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	inFlight := 0
	for _, key := range keys {
		ps, ok := t.parts[key]
		if !ok {
			continue
		}
		for _, tk := range ps.queue {
			tk.stale = true
			if tk.resolved {
				t.settled++
			} else {
				inFlight++
			}
		}
		delete(t.parts, key)
	}
	return inFlight
}

// pending is the number of settled events not yet covered by a snapshot.
func (t *offsetTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

// snapshot returns the commit positions that moved since the last
// snapshot, and how many settled events they cover. The positions are
// considered committed from here on.
func (t *offsetTracker) snapshot() ([]source.Offset, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []source.Offset
	for key, ps := range t.parts {
		pos, ok := ps.commitPosition()
		if !ok || pos <= ps.committed {
			continue
		}
		ps.committed = pos
		out = append(out, source.Offset{Topic: key.topic, Partition: key.partition, Offset: pos})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})

	covered := t.settled
	t.settled = 0
	return out, covered
}

// unresolved reports the number of events still in flight.
func (t *offsetTracker) unresolved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ps := range t.parts {
		for _, tk := range ps.queue {
			if !tk.resolved {
				n++
			}
		}
	}
	return n
}
