package pipeline

import (
	"testing"

	"github.com/lsm/eventsub/internal/source"
)

func evtAt(partition int32, offset int64) source.Event {
	return source.Event{Topic: "orders", Partition: partition, Offset: offset}
}

func TestOffsetTracker_NothingResolved(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(evtAt(0, 5))

	offsets, covered := tr.snapshot()
	if len(offsets) != 0 || covered != 0 {
		t.Fatalf("expected empty snapshot, got %v covered=%d", offsets, covered)
	}
	if tr.unresolved() != 1 {
		t.Fatalf("expected 1 unresolved, got %d", tr.unresolved())
	}
}

func TestOffsetTracker_OutOfOrderResolution(t *testing.T) {
	tr := newOffsetTracker()
	a := tr.track(evtAt(0, 10))
	b := tr.track(evtAt(0, 11))
	c := tr.track(evtAt(0, 12))

	if tr.resolve(b) {
		t.Fatal("resolving behind an unresolved event must not move the watermark")
	}
	if tr.resolve(c) {
		t.Fatal("resolving behind an unresolved event must not move the watermark")
	}
	if offsets, _ := tr.snapshot(); len(offsets) != 0 {
		t.Fatalf("expected no commit while offset 10 is pending, got %v", offsets)
	}

	if !tr.resolve(a) {
		t.Fatal("expected watermark to advance")
	}
	offsets, covered := tr.snapshot()
	if len(offsets) != 1 || offsets[0].Offset != 13 {
		t.Fatalf("expected commit at 13, got %v", offsets)
	}
	if covered != 3 {
		t.Fatalf("expected 3 covered events, got %d", covered)
	}
	if tr.unresolved() != 0 {
		t.Fatalf("expected nothing unresolved, got %d", tr.unresolved())
	}
}

func TestOffsetTracker_PartialPrefix(t *testing.T) {
	tr := newOffsetTracker()
	a := tr.track(evtAt(0, 0))
	tr.track(evtAt(0, 1))
	c := tr.track(evtAt(0, 2))

	tr.resolve(a)
	tr.resolve(c)

	offsets, covered := tr.snapshot()
	if len(offsets) != 1 || offsets[0].Offset != 1 {
		t.Fatalf("expected commit at 1, got %v", offsets)
	}
	if covered != 1 {
		t.Fatalf("expected 1 covered event, got %d", covered)
	}
	if tr.pending() != 0 {
		t.Fatalf("expected pending reset, got %d", tr.pending())
	}
}

func TestOffsetTracker_PartitionsIndependent(t *testing.T) {
	tr := newOffsetTracker()
	tr.track(evtAt(0, 0))
	b := tr.track(evtAt(1, 7))
	tr.resolve(b)

	offsets, _ := tr.snapshot()
	if len(offsets) != 1 {
		t.Fatalf("expected 1 offset, got %v", offsets)
	}
	if offsets[0].Partition != 1 || offsets[0].Offset != 8 {
		t.Errorf("expected partition 1 at 8, got %+v", offsets[0])
	}
}

func TestOffsetTracker_SnapshotOnlyMovedPositions(t *testing.T) {
	tr := newOffsetTracker()
	a := tr.track(evtAt(0, 0))
	b := tr.track(evtAt(1, 0))
	tr.resolve(a)
	tr.resolve(b)

	if offsets, _ := tr.snapshot(); len(offsets) != 2 {
		t.Fatalf("expected 2 offsets, got %v", offsets)
	}
	if offsets, _ := tr.snapshot(); len(offsets) != 0 {
		t.Fatalf("expected nothing new, got %v", offsets)
	}

	c := tr.track(evtAt(1, 1))
	tr.resolve(c)
	offsets, _ := tr.snapshot()
	if len(offsets) != 1 || offsets[0].Partition != 1 || offsets[0].Offset != 2 {
		t.Fatalf("expected partition 1 at 2, got %v", offsets)
	}
}

func TestOffsetTracker_SortedSnapshot(t *testing.T) {
	tr := newOffsetTracker()
	for _, p := range []int32{3, 1, 2} {
		tr.resolve(tr.track(evtAt(p, 0)))
	}
	offsets, _ := tr.snapshot()
	for i, want := range []int32{1, 2, 3} {
		if offsets[i].Partition != want {
			t.Fatalf("expected sorted partitions, got %v", offsets)
		}
	}
}

func TestOffsetTracker_ResolveTwice(t *testing.T) {
	tr := newOffsetTracker()
	a := tr.track(evtAt(0, 0))
	if !tr.resolve(a) {
		t.Fatal("expected first resolve to advance")
	}
	if tr.resolve(a) {
		t.Fatal("expected second resolve to be a no-op")
	}
	if tr.pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", tr.pending())
	}
}

func TestOffsetTracker_Drop(t *testing.T) {
	tr := newOffsetTracker()
	a := tr.track(evtAt(0, 0))
	b := tr.track(evtAt(0, 1))
	c := tr.track(evtAt(0, 2))
	other := tr.track(evtAt(1, 0))
	tr.resolve(b)

	if n := tr.drop([]partitionKey{{topic: "orders", partition: 0}}); n != 2 {
		t.Fatalf("expected 2 dropped events in flight, got %d", n)
	}
	if tr.pending() != 1 {
		t.Fatalf("expected the resolved event settled by the drop, got %d", tr.pending())
	}
	if !tr.resolve(a) {
		t.Fatal("expected a dropped ticket to settle when resolved")
	}
	if tr.unresolved() != 1 {
		t.Fatalf("expected only partition 1 tracked, got %d unresolved", tr.unresolved())
	}

	tr.resolve(other)
	offsets, covered := tr.snapshot()
	if len(offsets) != 1 || offsets[0].Partition != 1 || offsets[0].Offset != 1 {
		t.Fatalf("expected only partition 1 committed, got %v", offsets)
	}
	if covered != 3 {
		t.Fatalf("expected 3 covered events, got %d", covered)
	}

	tr.resolve(c)
	if tr.pending() != 1 {
		t.Fatalf("expected the late resolve settled, got %d", tr.pending())
	}

	tr.resolve(tr.track(evtAt(0, 7)))
	offsets, _ = tr.snapshot()
	if len(offsets) != 1 || offsets[0].Partition != 0 || offsets[0].Offset != 8 {
		t.Fatalf("expected a reassigned partition to start fresh, got %v", offsets)
	}
}
