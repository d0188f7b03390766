package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gobridge/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleCycle(bridgeID string, startedAt time.Time) model.CycleStats {
	return model.CycleStats{
		BridgeID:         bridgeID,
		StartedAt:        startedAt,
		Duration:         870 * time.Millisecond,
		RequiredReads:    4,
		OptionalReads:    7,
		Writes:           2,
		Failures:         1,
		BehindSchedule:   true,
		ListenerOverhead: 3 * time.Millisecond,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestInsertAndListCycles(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := st.InsertCycle(ctx, sampleCycle("inverter", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("InsertCycle: %v", err)
		}
	}
	if err := st.InsertCycle(ctx, sampleCycle("meter", base)); err != nil {
		t.Fatalf("InsertCycle: %v", err)
	}

	got, err := st.ListCycles(ctx, "inverter", model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].StartedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("newest first: got %v", got[0].StartedAt)
	}
	c := got[0]
	if c.Duration != 870*time.Millisecond || c.RequiredReads != 4 || c.OptionalReads != 7 ||
		c.Writes != 2 || c.Failures != 1 || !c.BehindSchedule || c.WritesSkipped ||
		c.ListenerOverhead != 3*time.Millisecond {
		t.Errorf("round trip mismatch: %+v", c)
	}

	n, err := st.CountCycles(ctx, "inverter")
	if err != nil {
		t.Fatalf("CountCycles: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestListCycles_SubsecondOrdering(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	st.InsertCycle(ctx, sampleCycle("b", base))
	st.InsertCycle(ctx, sampleCycle("b", base.Add(500*time.Millisecond)))

	got, err := st.ListCycles(ctx, "b", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListCycles: %v", err)
	}
	if len(got) != 2 || !got[0].StartedAt.Equal(base.Add(500*time.Millisecond)) {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestInsertAndListFaults(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	f := model.Fault{BridgeID: "inverter", OccurredAt: now, Error: "panic in REQUIRED_READ: boom", Backoff: 2 * time.Second}
	if err := st.InsertFault(ctx, f); err != nil {
		t.Fatalf("InsertFault: %v", err)
	}

	got, err := st.ListFaults(ctx, "inverter", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Error != f.Error || got[0].Backoff != f.Backoff || !got[0].OccurredAt.Equal(now) {
		t.Errorf("got %+v, want %+v", got[0], f)
	}

	other, err := st.ListFaults(ctx, "meter", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListFaults: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("meter faults = %d, want 0", len(other))
	}
}

func TestPrune(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	st.InsertCycle(ctx, sampleCycle("b", base.Add(-2*time.Hour)))
	st.InsertCycle(ctx, sampleCycle("b", base))
	st.InsertFault(ctx, model.Fault{BridgeID: "b", OccurredAt: base.Add(-2 * time.Hour), Error: "old"})

	n, err := st.Prune(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	if c, _ := st.CountCycles(ctx, "b"); c != 1 {
		t.Errorf("remaining cycles = %d, want 1", c)
	}
}
