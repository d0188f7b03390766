package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/me/gobridge/internal/logging"
	"github.com/me/gobridge/internal/task"
	"github.com/me/gobridge/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	// Margin is kept free before the required-read window and added to the
	// write deadline.
	Margin time.Duration
	// InitRetry is the wait between failed protocol initializations.
	InitRetry time.Duration
	// WriteTimeout bounds the wait for the write trigger. Zero waits forever.
	WriteTimeout time.Duration
	// BackoffStep is the linear growth of the sleep after a faulted cycle.
	BackoffStep time.Duration
	// Overhead selects how listener times are fed into the deadlines.
	Overhead OverheadPolicy
	// BehindLogInterval limits "behind schedule" warnings to one per interval.
	BehindLogInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Margin:            10 * time.Millisecond,
		InitRetry:         10 * time.Second,
		BackoffStep:       DefaultBackoffStep,
		Overhead:          OverheadLast,
		BehindLogInterval: time.Minute,
	}
}

// Option configures optional Loop dependencies.
type Option func(*Loop)

// WithRecorder sets the receiver of cycle statistics and faults.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		l.recorder = r
	}
}

// WithGuard shares a DefectiveGuard with the protocol layer.
func WithGuard(g *DefectiveGuard) Option {
	return func(l *Loop) {
		l.guard = g
	}
}

// WithBackOff replaces the linear fault backoff. If b returns backoff.Stop
// the loop gives up and Start returns an error.
func WithBackOff(b backoff.BackOff) Option {
	return func(l *Loop) {
		l.backoff = b
	}
}

// ErrGaveUp is returned by Start when the fault backoff stops retrying.
var ErrGaveUp = errors.New("scheduler: backoff gave up after repeated faults")

// Loop implements Scheduler. One goroutine (the caller of Start) runs every
// phase of every cycle; tasks execute sequentially because most transports
// cannot be used concurrently.
type Loop struct {
	id       string
	cfg      Config
	coord    Coordinator
	protocol Protocol
	trigger  Trigger
	tasks    *task.Manager
	guard    *DefectiveGuard
	hub      *ListenerHub
	recorder Recorder
	backoff  backoff.BackOff
	cursor   cursor
	behind   *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	state  *atomic.String
	reinit *atomic.Bool

	mu   sync.Mutex
	last *model.CycleStats

	started     *atomic.Bool
	stopOnce    sync.Once
	disposeOnce sync.Once
	stopCh      chan struct{}
	doneCh      chan struct{}
}

var _ Scheduler = (*Loop)(nil)

// NewLoop creates the scheduling loop for bridge id. The id is used for
// logging and statistics only.
func NewLoop(id string, coord Coordinator, protocol Protocol, trigger Trigger, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if cfg.BehindLogInterval <= 0 {
		cfg.BehindLogInterval = time.Minute
	}
	logger = logging.ForBridge(logger, "scheduler", id)
	l := &Loop{
		id:       id,
		cfg:      cfg,
		coord:    coord,
		protocol: protocol,
		trigger:  trigger,
		tasks:    task.NewManager(),
		hub:      NewListenerHub(cfg.Overhead, logger),
		behind:   rate.NewLimiter(rate.Every(cfg.BehindLogInterval), 1),
		logger:   logger,
		now:      time.Now,
		state:    atomic.NewString(model.BridgeStateStopped.String()),
		reinit:   atomic.NewBool(false),
		started:  atomic.NewBool(false),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.guard == nil {
		l.guard = NewDefectiveGuard()
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}
	if l.backoff == nil {
		l.backoff = newLinearBackOff(cfg.BackoffStep)
	}
	if l.trigger == nil {
		l.trigger = NewSleepTrigger()
	}
	return l
}

// ID returns the bridge id.
func (l *Loop) ID() string { return l.id }

// State returns the current state of the cycle state machine.
func (l *Loop) State() model.BridgeState { return model.BridgeState(l.state.Load()) }

// Guard returns the loop's defective endpoint guard.
func (l *Loop) Guard() *DefectiveGuard { return l.guard }

// Hub returns the loop's listener hub.
func (l *Loop) Hub() *ListenerHub { return l.hub }

// Sources returns the ids of the registered task sources.
func (l *Loop) Sources() []string { return l.tasks.Sources() }

// AddSource registers a task source. Safe to call from any goroutine; takes
// effect at the next cycle.
func (l *Loop) AddSource(src task.Source) error {
	if err := l.tasks.Add(src); err != nil {
		return err
	}
	l.logger.Info("task source added", "source", src.ID())
	return nil
}

// RemoveSource unregisters a task source.
func (l *Loop) RemoveSource(id string) bool {
	ok := l.tasks.Remove(id)
	if ok {
		l.logger.Info("task source removed", "source", id)
	}
	return ok
}

// TriggerWrite marks pending writes for the current cycle.
func (l *Loop) TriggerWrite() { l.trigger.TriggerWrite() }

// TriggerReinitialize makes the loop initialize the protocol again before
// its next cycle.
func (l *Loop) TriggerReinitialize() { l.reinit.Store(true) }

// LastCycle returns the statistics of the most recent completed cycle.
func (l *Loop) LastCycle() (model.CycleStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return model.CycleStats{}, false
	}
	return *l.last, true
}

// Tasks describes the tasks of the current snapshot.
func (l *Loop) Tasks() []model.TaskInfo {
	set := l.tasks.Snapshot()
	out := make([]model.TaskInfo, 0, set.Len())
	for _, t := range set.Reads() {
		out = append(out, model.TaskInfo{
			Name:          t.Name(),
			Endpoint:      t.Endpoint(),
			Kind:          t.Priority().String(),
			EstimatedCost: task.EstimatedCost(t),
		})
	}
	for _, t := range set.Writes {
		out = append(out, model.TaskInfo{
			Name:          t.Name(),
			Endpoint:      t.Endpoint(),
			Kind:          "write",
			EstimatedCost: task.EstimatedCost(t),
		})
	}
	return out
}

// Start runs the loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	if l.coord == nil {
		return errors.New("scheduler: no cycle coordinator")
	}
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("scheduler: already started")
	}
	defer close(l.doneCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	l.logger.Info("bridge started")
	err := l.run(runCtx)
	l.setState(model.BridgeStateStopped)
	l.dispose()

	if err != nil {
		l.logger.Error("bridge stopped", "error", err)
		return err
	}
	if ctx.Err() != nil {
		l.logger.Info("bridge stopping (context cancelled)")
		return ctx.Err()
	}
	l.logger.Info("bridge stopping (stop called)")
	return nil
}

// Stop requests shutdown and waits for the running cycle to reach its next
// state boundary. In-flight tasks are not cancelled.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.started.Load() {
		<-l.doneCh
	}
	return nil
}

func (l *Loop) run(ctx context.Context) error {
	initialized := false
	for ctx.Err() == nil {
		if l.reinit.Swap(false) && initialized {
			l.logger.Info("reinitialization requested")
			initialized = false
		}
		if !initialized {
			if !l.initialize(ctx) {
				return nil
			}
			initialized = true
		}

		err := l.cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			l.backoff.Reset()
			continue
		}

		wait := l.backoff.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		l.setState(model.BridgeStateFaulted)
		l.logger.Error("cycle faulted", "error", err, "backoff", wait)
		l.recorder.RecordFault(model.Fault{
			BridgeID:   l.id,
			OccurredAt: l.now(),
			Error:      err.Error(),
			Backoff:    wait,
		})
		initialized = false
		if sleepCtx(ctx, wait) != nil {
			return nil
		}
		l.setState(model.BridgeStateFaulted.Next())
	}
	return nil
}

// initialize calls the protocol's Initialize until it succeeds. Returns
// false if ctx ends first.
func (l *Loop) initialize(ctx context.Context) bool {
	l.setState(model.BridgeStateInitializing)
	l.reinit.Store(false)
	if l.protocol == nil {
		return ctx.Err() == nil
	}
	for {
		if ctx.Err() != nil {
			return false
		}
		err := l.initProtocol(ctx)
		if err == nil {
			l.logger.Info("bridge initialized")
			return true
		}
		l.logger.Warn("initialize failed", "error", err, "retry_in", l.cfg.InitRetry)
		if sleepCtx(ctx, l.cfg.InitRetry) != nil {
			return false
		}
	}
}

func (l *Loop) initProtocol(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in initialize: %v", r)
		}
	}()
	return l.protocol.Initialize(ctx)
}

func (l *Loop) dispose() {
	l.disposeOnce.Do(func() {
		if l.protocol == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("dispose panicked", "panic", r)
			}
		}()
		l.protocol.Dispose()
		l.logger.Debug("protocol disposed")
	})
}

// cycle runs one pass of the state machine. Any error or panic escaping it
// faults the whole bridge.
func (l *Loop) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", l.State(), r)
		}
	}()

	stats := model.CycleStats{BridgeID: l.id}

	// AWAIT_REQUIRED_WINDOW
	l.setState(model.BridgeStateAwaitRequiredWindow)
	set := l.snapshot()
	requiredCost := task.TotalCost(set.Required)
	target := l.coord.NextCycleStart()
	sleep := requiredWindowSleep(l.now(), target, requiredCost, l.cfg.Margin, l.hub.Overhead())
	if sleep > 0 {
		if err := l.trigger.AwaitRequiredWindow(ctx, sleep); err != nil {
			return err
		}
	} else {
		stats.BehindSchedule = true
		if l.behind.Allow() {
			l.logger.Warn("running behind schedule", "late", -sleep, "required_cost", requiredCost)
		}
	}
	start := l.now()
	stats.StartedAt = start

	// REQUIRED_READ
	if err := l.advance(ctx); err != nil {
		return err
	}
	l.hub.Notify(ctx, BeforeRequiredRead)
	for _, t := range set.Required {
		if failed(l.execute(ctx, t)) {
			stats.Failures++
		}
		stats.RequiredReads++
	}

	// OPTIONAL_READ_1
	if err := l.advance(ctx); err != nil {
		return err
	}
	cycleStart := l.coord.CycleStart()
	if cycleStart.Before(target) {
		// The coordinator has not ticked into the cycle the required
		// reads were aligned to.
		cycleStart = target
	}
	l.hub.Notify(ctx, BeforeOptionalRead1)
	writeDeadline := cycleStart.Add(l.coord.RequiredTime() + l.cfg.Margin - l.hub.Overhead())
	if l.now().Before(writeDeadline) {
		stats.OptionalReads += l.bestEffort(ctx, set.Optional, writeDeadline, false, &stats)
	}

	// AWAIT_WRITE
	if err := l.advance(ctx); err != nil {
		return err
	}
	triggered, err := l.awaitWrite(ctx)
	if err != nil {
		return err
	}

	// WRITE
	if err := l.advance(ctx); err != nil {
		return err
	}
	if triggered {
		l.hub.Notify(ctx, BeforeWrite)
		for _, t := range set.Writes {
			if failed(l.execute(ctx, t)) {
				stats.Failures++
			}
			stats.Writes++
		}
	} else {
		stats.WritesSkipped = true
		l.logger.Warn("write trigger timed out, writes skipped", "timeout", l.cfg.WriteTimeout)
	}

	// OPTIONAL_READ_2
	if err := l.advance(ctx); err != nil {
		return err
	}
	l.hub.Notify(ctx, BeforeOptionalRead2)
	overhead := l.hub.Overhead()
	nextWindow := l.coord.NextCycleStart().Add(-task.TotalCost(set.Required) - l.cfg.Margin - overhead)
	if l.now().Before(nextWindow) {
		stats.OptionalReads += l.bestEffort(ctx, set.Optional, nextWindow, true, &stats)
	}

	stats.Duration = l.now().Sub(start)
	stats.ListenerOverhead = overhead
	l.finish(stats)
	return nil
}

// requiredWindowSleep returns how long to wait before starting the required
// reads so they complete just before next. Non-positive means late.
func requiredWindowSleep(now, next time.Time, requiredCost, margin, overhead time.Duration) time.Duration {
	return next.Add(-requiredCost).Sub(now) - margin - overhead
}

// advance moves to the next state unless the loop is stopping.
func (l *Loop) advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.setState(l.State().Next())
	return nil
}

// awaitWrite waits for the write trigger. Returns false if WriteTimeout
// elapsed first.
func (l *Loop) awaitWrite(ctx context.Context) (bool, error) {
	if l.cfg.WriteTimeout <= 0 {
		return true, l.trigger.AwaitWrite(ctx)
	}
	wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	err := l.trigger.AwaitWrite(wctx)
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, err
	}
}

func (l *Loop) bestEffort(ctx context.Context, tasks []task.ReadTask, deadline time.Time, force bool, stats *model.CycleStats) int {
	return l.cursor.run(ctx, tasks, deadline, force, l.now, func(t task.ReadTask) {
		if failed(l.execute(ctx, t)) {
			stats.Failures++
		}
	})
}

// snapshot returns this cycle's tasks with defective endpoints throttled.
func (l *Loop) snapshot() task.Set {
	set := l.tasks.Snapshot()
	if l.guard.Len() == 0 {
		return set
	}
	filtered := task.Set{Writes: set.Writes}
	for _, t := range l.guard.Filter(set.Reads()) {
		if t.Priority() == task.PriorityRequired {
			filtered.Required = append(filtered.Required, t)
		} else {
			filtered.Optional = append(filtered.Optional, t)
		}
	}
	return filtered
}

// execute runs one task, records its duration and logs its outcome. Tasks
// run on a context detached from stop cancellation; shutdown waits for them.
func (l *Loop) execute(ctx context.Context, t task.Task) task.Outcome {
	start := l.now()
	err := runTask(context.WithoutCancel(ctx), t)
	t.Estimator().Record(l.now().Sub(start))

	outcome, endpoint := task.Classify(err)
	switch outcome {
	case task.OutcomeRetryable:
		l.logger.Debug("task not ready", "task", t.Name(), "endpoint", t.Endpoint(), "error", err)
	case task.OutcomeDefective:
		if l.guard.Mark(endpoint) {
			l.logger.Warn("endpoint marked defective", "endpoint", endpoint, "task", t.Name(), "error", err)
		} else {
			l.logger.Debug("defective endpoint still failing", "endpoint", endpoint, "task", t.Name())
		}
	case task.OutcomeFailed:
		l.logger.Error("task failed", "task", t.Name(), "endpoint", t.Endpoint(), "error", err)
	}
	return outcome
}

// failed reports whether an outcome counts toward CycleStats.Failures.
// Retryable outcomes do not.
func failed(o task.Outcome) bool {
	return o == task.OutcomeDefective || o == task.OutcomeFailed
}

func runTask(ctx context.Context, t task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.Name(), r)
		}
	}()
	return t.Run(ctx)
}

func (l *Loop) finish(stats model.CycleStats) {
	l.mu.Lock()
	l.last = &stats
	l.mu.Unlock()
	l.recorder.RecordCycle(stats)
	l.logger.Debug("cycle complete",
		"duration", stats.Duration,
		"required", stats.RequiredReads,
		"optional", stats.OptionalReads,
		"writes", stats.Writes,
		"failures", stats.Failures,
	)
}

func (l *Loop) setState(s model.BridgeState) {
	l.state.Store(s.String())
}
