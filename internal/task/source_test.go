package task

import (
	"context"
	"errors"
	"testing"
)

func noop(context.Context) error { return nil }

func testSource(id string, required, optional, writes int) *Static {
	var reads []ReadTask
	for i := 0; i < required; i++ {
		reads = append(reads, NewRead(id+"/req", "", PriorityRequired, noop))
	}
	for i := 0; i < optional; i++ {
		reads = append(reads, NewRead(id+"/opt", "", PriorityOptional, noop))
	}
	var ws []WriteTask
	for i := 0; i < writes; i++ {
		ws = append(ws, NewWrite(id+"/w", "", noop))
	}
	return NewStatic(id, reads, ws)
}

func TestManager_Snapshot(t *testing.T) {
	m := NewManager()
	if err := m.Add(testSource("a", 1, 2, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(testSource("b", 2, 0, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	set := m.Snapshot()
	if len(set.Required) != 3 || len(set.Optional) != 2 || len(set.Writes) != 2 {
		t.Fatalf("Snapshot = %d/%d/%d, want 3/2/2", len(set.Required), len(set.Optional), len(set.Writes))
	}
	if set.Len() != 7 {
		t.Errorf("Len() = %d, want 7", set.Len())
	}
	reads := set.Reads()
	if len(reads) != 5 || reads[0].Priority() != PriorityRequired || reads[4].Priority() != PriorityOptional {
		t.Errorf("Reads() not ordered required first: %d", len(reads))
	}
}

func TestManager_DuplicateAndRemove(t *testing.T) {
	m := NewManager()
	if err := m.Add(testSource("a", 1, 0, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(testSource("a", 1, 0, 0)); !errors.Is(err, ErrDuplicateSource) {
		t.Errorf("Add duplicate err = %v, want ErrDuplicateSource", err)
	}
	if !m.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if m.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if got := m.Snapshot().Len(); got != 0 {
		t.Errorf("Snapshot after remove has %d tasks", got)
	}
}

func TestManager_SnapshotIsACopy(t *testing.T) {
	m := NewManager()
	src := testSource("a", 0, 3, 0)
	if err := m.Add(src); err != nil {
		t.Fatalf("Add: %v", err)
	}
	set := m.Snapshot()
	set.Optional[0] = nil
	if src.OptionalReadTasks()[0] == nil {
		t.Error("mutating the snapshot changed the source")
	}
}

func TestManager_ConcurrentAddRemove(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = m.Add(testSource("x", 1, 1, 1))
			m.Remove("x")
		}
	}()
	for i := 0; i < 200; i++ {
		_ = m.Snapshot()
		_ = m.Sources()
	}
	<-done
}
