package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Position is one of the four fixed listener points of a cycle.
type Position int

const (
	BeforeRequiredRead Position = iota
	BeforeOptionalRead1
	BeforeWrite
	BeforeOptionalRead2
)

func (p Position) String() string {
	switch p {
	case BeforeRequiredRead:
		return "before-required-read"
	case BeforeOptionalRead1:
		return "before-best-effort-1"
	case BeforeWrite:
		return "before-write"
	case BeforeOptionalRead2:
		return "before-best-effort-2"
	}
	return fmt.Sprintf("position(%d)", int(p))
}

// Listener is notified synchronously at each cycle position. It must return
// promptly: its run time is subtracted from the cycle's deadlines.
type Listener interface {
	OnCycle(ctx context.Context, pos Position) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, pos Position) error

func (f ListenerFunc) OnCycle(ctx context.Context, pos Position) error {
	return f(ctx, pos)
}

// OverheadPolicy selects how measured listener times become the overhead the
// Loop subtracts from its deadlines.
type OverheadPolicy string

const (
	// OverheadLast uses only the most recently invoked listener's time.
	OverheadLast OverheadPolicy = "last"
	// OverheadSum adds up the last measured time of every listener.
	OverheadSum OverheadPolicy = "sum"
	// OverheadMax uses the slowest listener's last measured time.
	OverheadMax OverheadPolicy = "max"
)

// ParseOverheadPolicy converts a config value. Empty means OverheadLast.
func ParseOverheadPolicy(s string) (OverheadPolicy, error) {
	switch OverheadPolicy(s) {
	case "":
		return OverheadLast, nil
	case OverheadLast, OverheadSum, OverheadMax:
		return OverheadPolicy(s), nil
	}
	return "", fmt.Errorf("unknown listener overhead policy %q", s)
}

type registration struct {
	name     string
	listener Listener
	took     time.Duration
}

// ListenerHub invokes registered listeners in registration order and
// measures each invocation.
type ListenerHub struct {
	mu        sync.Mutex
	listeners []*registration
	lastTook  time.Duration
	policy    OverheadPolicy
	logger    *slog.Logger
}

// NewListenerHub creates a hub using the given overhead policy.
func NewListenerHub(policy OverheadPolicy, logger *slog.Logger) *ListenerHub {
	if policy == "" {
		policy = OverheadLast
	}
	return &ListenerHub{policy: policy, logger: logger}
}

// Add registers a listener under name. Re-adding a name replaces it.
func (h *ListenerHub) Add(name string, l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.listeners {
		if r.name == name {
			r.listener = l
			r.took = 0
			return
		}
	}
	h.listeners = append(h.listeners, &registration{name: name, listener: l})
}

// Remove unregisters a listener and reports whether it was present.
func (h *ListenerHub) Remove(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.listeners {
		if r.name == name {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (h *ListenerHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Notify calls every listener for pos. Errors and panics are logged per
// listener and never stop the others.
func (h *ListenerHub) Notify(ctx context.Context, pos Position) {
	h.mu.Lock()
	regs := append([]*registration(nil), h.listeners...)
	h.mu.Unlock()

	for _, r := range regs {
		start := time.Now()
		err := callListener(ctx, r.listener, pos)
		took := time.Since(start)

		h.mu.Lock()
		r.took = took
		h.lastTook = took
		h.mu.Unlock()

		if err != nil {
			h.logger.Error("cycle listener failed", "listener", r.name, "position", pos, "error", err)
		}
	}
}

func callListener(ctx context.Context, l Listener, pos Position) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return l.OnCycle(ctx, pos)
}

// Overhead returns the listener time the Loop subtracts from its deadline
// arithmetic, according to the hub's policy.
func (h *ListenerHub) Overhead() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.policy {
	case OverheadSum:
		var sum time.Duration
		for _, r := range h.listeners {
			sum += r.took
		}
		return sum
	case OverheadMax:
		var m time.Duration
		for _, r := range h.listeners {
			m = max(m, r.took)
		}
		return m
	default:
		return h.lastTook
	}
}

// Timings returns the last measured time per listener.
func (h *ListenerHub) Timings() map[string]time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]time.Duration, len(h.listeners))
	for _, r := range h.listeners {
		out[r.name] = r.took
	}
	return out
}
