package scheduler

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// WritePollInterval is how often SleepTrigger checks the write flag.
const WritePollInterval = 20 * time.Millisecond

// Trigger is the waiting primitive the Loop's state machine is written
// against. SleepTrigger and EventTrigger implement the same contract with
// different mechanics.
type Trigger interface {
	// AwaitRequiredWindow blocks for d, or less if the implementation is
	// woken by an external cycle event. Returns ctx.Err() on cancellation.
	AwaitRequiredWindow(ctx context.Context, d time.Duration) error

	// AwaitWrite blocks until a write trigger is pending and consumes it.
	AwaitWrite(ctx context.Context) error

	// TriggerWrite marks a write as pending. Never blocks.
	TriggerWrite()
}

// SleepTrigger is the thread-style adapter: plain timed sleeps and a write
// flag polled every WritePollInterval.
type SleepTrigger struct {
	write *atomic.Bool
	poll  time.Duration
}

// NewSleepTrigger creates a SleepTrigger.
func NewSleepTrigger() *SleepTrigger {
	return &SleepTrigger{write: atomic.NewBool(false), poll: WritePollInterval}
}

func (t *SleepTrigger) AwaitRequiredWindow(ctx context.Context, d time.Duration) error {
	return sleepCtx(ctx, d)
}

func (t *SleepTrigger) AwaitWrite(ctx context.Context) error {
	for {
		if t.write.CompareAndSwap(true, false) {
			return nil
		}
		if err := sleepCtx(ctx, t.poll); err != nil {
			return err
		}
	}
}

func (t *SleepTrigger) TriggerWrite() {
	t.write.Store(true)
}

// EventTrigger is the event-driven adapter. Writes are signalled over a
// channel instead of polled, and a cycle-start tick from the coordinator
// ends the required-window wait early.
type EventTrigger struct {
	tick  chan struct{}
	write chan struct{}
}

// NewEventTrigger creates an EventTrigger.
func NewEventTrigger() *EventTrigger {
	return &EventTrigger{
		tick:  make(chan struct{}, 1),
		write: make(chan struct{}, 1),
	}
}

// Tick reports a coordinator cycle start. Never blocks.
func (t *EventTrigger) Tick() {
	select {
	case t.tick <- struct{}{}:
	default:
	}
}

func (t *EventTrigger) AwaitRequiredWindow(ctx context.Context, d time.Duration) error {
	// A tick that arrived before we started waiting belongs to the cycle
	// that was just served.
	select {
	case <-t.tick:
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-t.tick:
	}
	return nil
}

func (t *EventTrigger) AwaitWrite(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.write:
		return nil
	}
}

func (t *EventTrigger) TriggerWrite() {
	select {
	case t.write <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
