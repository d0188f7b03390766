// Package cycle provides the fixed-period cycle coordinator that bridge
// loops align their required reads and writes to.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a coordinator event.
type EventType int

const (
	// EventCycleStart is emitted when a new cycle begins.
	EventCycleStart EventType = iota
	// EventExecuteWrite is emitted RequiredTime after the cycle start, when
	// the values of the current cycle are settled and writes may proceed.
	EventExecuteWrite
)

func (t EventType) String() string {
	switch t {
	case EventCycleStart:
		return "cycle-start"
	case EventExecuteWrite:
		return "execute-write"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is delivered to subscribers.
type Event struct {
	Type       EventType
	CycleStart time.Time
}

// Config holds coordinator timing.
type Config struct {
	Period       time.Duration
	RequiredTime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Period:       time.Second,
		RequiredTime: 100 * time.Millisecond,
	}
}

// Validate checks the timing is usable.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("cycle period must be positive, got %v", c.Period)
	}
	if c.RequiredTime < 0 || c.RequiredTime >= c.Period {
		return fmt.Errorf("required time %v must be within [0, period %v)", c.RequiredTime, c.Period)
	}
	return nil
}

// Coordinator publishes cycle boundaries aligned to multiples of the period
// on the wall clock. The boundaries are computed, so CycleStart is valid
// before Start; Start only drives event delivery.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs []chan Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Coordinator.
func New(cfg Config, logger *slog.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.With("component", "cycle"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// CycleStart is the start time of the current cycle.
func (c *Coordinator) CycleStart() time.Time {
	return c.now().Truncate(c.cfg.Period)
}

// NextCycleStart is the start time of the following cycle.
func (c *Coordinator) NextCycleStart() time.Time {
	return c.CycleStart().Add(c.cfg.Period)
}

// RequiredTime is the reserved time at the beginning of each cycle.
func (c *Coordinator) RequiredTime() time.Duration {
	return c.cfg.RequiredTime
}

// Period returns the cycle period.
func (c *Coordinator) Period() time.Duration {
	return c.cfg.Period
}

// Subscribe returns a channel receiving coordinator events. The channel is
// buffered by one; an event is dropped if the subscriber has not consumed
// the previous one. The channel is closed when Start returns.
func (c *Coordinator) Subscribe() <-chan Event {
	ch := make(chan Event, 1)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Start emits events until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	defer close(c.doneCh)
	defer c.closeSubs()

	c.logger.Info("cycle coordinator started", "period", c.cfg.Period, "required_time", c.cfg.RequiredTime)
	for {
		start := c.NextCycleStart()
		if !c.sleepUntil(ctx, start) {
			return c.exit(ctx)
		}
		c.publish(Event{Type: EventCycleStart, CycleStart: start})

		if !c.sleepUntil(ctx, start.Add(c.cfg.RequiredTime)) {
			return c.exit(ctx)
		}
		c.publish(Event{Type: EventExecuteWrite, CycleStart: start})
	}
}

// Stop requests shutdown and waits for Start to return.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Coordinator) exit(ctx context.Context) error {
	c.logger.Info("cycle coordinator stopped")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (c *Coordinator) sleepUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(c.now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("subscriber busy, event dropped", "event", ev.Type)
		}
	}
}

func (c *Coordinator) closeSubs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}
