// Package task defines the units of work a protocol layer hands to the cycle
// scheduler, their cost estimators, and the sources that supply them.
package task

import (
	"context"
	"fmt"
	"time"
)

// Priority separates reads that must run every cycle from best-effort reads.
type Priority int

const (
	PriorityOptional Priority = iota
	PriorityRequired
)

// String returns "required" or "optional".
func (p Priority) String() string {
	if p == PriorityRequired {
		return "required"
	}
	return "optional"
}

// ParsePriority converts a config value to a Priority. Empty means optional.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "optional", "low":
		return PriorityOptional, nil
	case "required", "high":
		return PriorityRequired, nil
	}
	return PriorityOptional, fmt.Errorf("unknown priority %q", s)
}

// Task is a unit of work owned by a protocol layer. The scheduler borrows it
// for one cycle, runs it, and feeds the measured duration into its Estimator.
type Task interface {
	// Name identifies the task in logs and status output.
	Name() string

	// Endpoint identifies the transport endpoint (bus unit, host) the task
	// talks to. Empty when the task is not endpoint-bound.
	Endpoint() string

	// Run performs the transport call.
	Run(ctx context.Context) error

	// Estimator returns the task's cost model.
	Estimator() *Estimator
}

// ReadTask reads device values.
type ReadTask interface {
	Task
	Priority() Priority
}

// WriteTask flushes pending setpoints to a device.
type WriteTask interface {
	Task
}

// EstimatedCost is a shorthand for t.Estimator().Estimate().
func EstimatedCost(t Task) time.Duration {
	return t.Estimator().Estimate()
}

// TotalCost sums the estimated cost of all tasks.
func TotalCost[T Task](tasks []T) time.Duration {
	var sum time.Duration
	for _, t := range tasks {
		sum += EstimatedCost(t)
	}
	return sum
}

// Func is the effect of a task built with NewRead or NewWrite.
type Func func(ctx context.Context) error

type base struct {
	name      string
	endpoint  string
	fn        Func
	estimator *Estimator
}

func (b *base) Name() string                  { return b.name }
func (b *base) Endpoint() string              { return b.endpoint }
func (b *base) Estimator() *Estimator         { return b.estimator }
func (b *base) Run(ctx context.Context) error { return b.fn(ctx) }

type readTask struct {
	base
	priority Priority
}

func (r *readTask) Priority() Priority { return r.priority }

type writeTask struct {
	base
}

// NewRead creates a ReadTask running fn.
func NewRead(name, endpoint string, priority Priority, fn Func) ReadTask {
	return &readTask{
		base:     base{name: name, endpoint: endpoint, fn: fn, estimator: NewEstimator()},
		priority: priority,
	}
}

// NewWrite creates a WriteTask running fn.
func NewWrite(name, endpoint string, fn Func) WriteTask {
	return &writeTask{
		base: base{name: name, endpoint: endpoint, fn: fn, estimator: NewEstimator()},
	}
}
