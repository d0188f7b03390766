// Package scheduler implements the cyclic, deadline-aware task scheduler
// that drives every device bridge. Each bridge runs one Loop: required reads
// always complete, best-effort reads fill the remaining time round-robin, and
// writes are flushed once per cycle when the write trigger fires.
package scheduler

import (
	"context"
	"time"

	"github.com/me/gobridge/internal/task"
	"github.com/me/gobridge/pkg/model"
)

// Scheduler is the public contract of a bridge scheduling loop.
type Scheduler interface {
	// Start runs the cycle state machine. Blocks until ctx is cancelled or
	// Stop is called.
	Start(ctx context.Context) error

	// Stop requests shutdown and waits for the loop to exit.
	Stop() error

	// TriggerWrite signals that pending writes should be flushed this cycle.
	TriggerWrite()

	// TriggerReinitialize forces the protocol to be initialized again
	// before the next cycle.
	TriggerReinitialize()

	AddSource(src task.Source) error
	RemoveSource(id string) bool
}

// Coordinator publishes the externally imposed cycle timing.
type Coordinator interface {
	// CycleStart is the start time of the current cycle.
	CycleStart() time.Time
	// NextCycleStart is the target start time of the next cycle.
	NextCycleStart() time.Time
	// RequiredTime is the coordinator's minimum reserved duration at the
	// beginning of a cycle, before writes are executed.
	RequiredTime() time.Duration
}

// Protocol is the transport-facing side of a bridge.
type Protocol interface {
	// Initialize prepares the transport. A non-nil error makes the loop
	// wait and retry without starting a cycle.
	Initialize(ctx context.Context) error

	// Dispose releases the transport. Called exactly once when the loop exits.
	Dispose()
}

// Recorder receives cycle statistics and faults.
type Recorder interface {
	RecordCycle(stats model.CycleStats)
	RecordFault(fault model.Fault)
}

// MultiRecorder fans out to several recorders in order.
type MultiRecorder []Recorder

func (m MultiRecorder) RecordCycle(stats model.CycleStats) {
	for _, r := range m {
		r.RecordCycle(stats)
	}
}

func (m MultiRecorder) RecordFault(fault model.Fault) {
	for _, r := range m {
		r.RecordFault(fault)
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(model.CycleStats) {}
func (nopRecorder) RecordFault(model.Fault)      {}
