package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/me/gobridge/internal/cycle"
	"github.com/me/gobridge/pkg/model"
)

// ErrNotFound is returned for unknown bridge ids.
var ErrNotFound = errors.New("bridge not found")

// Service is a long-running helper started alongside the loops.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Registry maps bridge ids to bridges. Registration happens at startup
// before Run; lookups are safe afterwards.
type Registry struct {
	coord   *cycle.Coordinator
	bridges map[string]*Bridge
	owners  map[string]string
	logger  *slog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// NewRegistry creates an empty Registry driven by coord.
func NewRegistry(coord *cycle.Coordinator, logger *slog.Logger) *Registry {
	return &Registry{
		coord:   coord,
		bridges: make(map[string]*Bridge),
		owners:  make(map[string]string),
		logger:  logger.With("component", "bridge-registry"),
	}
}

// Register adds a bridge. Bridge ids and device names must be unique.
func (r *Registry) Register(b *Bridge) error {
	if _, ok := r.bridges[b.ID()]; ok {
		return fmt.Errorf("bridge %q already registered", b.ID())
	}
	for _, d := range b.Devices() {
		if owner, ok := r.owners[d]; ok {
			return fmt.Errorf("device %q of bridge %q already served by bridge %q", d, b.ID(), owner)
		}
	}
	r.bridges[b.ID()] = b
	for _, d := range b.Devices() {
		r.owners[d] = b.ID()
	}
	r.logger.Info("bridge registered", "bridge", b.ID(), "type", b.cfg.Type, "devices", len(b.Devices()))
	return nil
}

// Get returns the bridge with the given id.
func (r *Registry) Get(id string) (*Bridge, error) {
	b, ok := r.bridges[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return b, nil
}

// List returns all bridges ordered by id.
func (r *Registry) List() []*Bridge {
	out := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Status returns the status of one bridge.
func (r *Registry) Status(id string) (model.BridgeStatus, error) {
	b, err := r.Get(id)
	if err != nil {
		return model.BridgeStatus{}, err
	}
	return b.Status(), nil
}

// Owner returns the bridge serving device.
func (r *Registry) Owner(device string) (*Bridge, error) {
	id, ok := r.owners[device]
	if !ok {
		return nil, fmt.Errorf("%w: no bridge serves device %q", ErrNotFound, device)
	}
	return r.bridges[id], nil
}

// TriggerWriteAll signals every loop to flush pending writes.
func (r *Registry) TriggerWriteAll() {
	for _, b := range r.bridges {
		b.loop.TriggerWrite()
	}
}

// OnClose registers c to be closed by Close.
func (r *Registry) OnClose(c io.Closer) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// Run starts the coordinator, every loop, the event forwarders and the
// given services, and blocks until ctx is cancelled. A loop that gives up
// is logged and leaves the other bridges running; a failing service or
// coordinator stops everything and its error is returned.
func (r *Registry) Run(ctx context.Context, services ...Service) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(r.coord.Start(gctx))
	})
	for _, b := range r.bridges {
		b := b
		g.Go(func() error {
			if err := b.loop.Start(gctx); err != nil && !isCanceled(err) {
				r.logger.Error("bridge loop exited", "bridge", b.ID(), "error", err)
			}
			return nil
		})
		g.Go(func() error {
			return b.forward(gctx)
		})
	}
	for _, s := range services {
		s := s
		g.Go(func() error {
			return ignoreCanceled(s.Run(gctx))
		})
	}

	r.logger.Info("bridges running", "count", len(r.bridges))
	err := g.Wait()
	r.logger.Info("bridges stopped")
	return err
}

// Close stops every loop and closes registered closers in reverse order.
func (r *Registry) Close() error {
	var err error
	for _, b := range r.List() {
		err = multierr.Append(err, b.loop.Stop())
	}
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func ignoreCanceled(err error) error {
	if isCanceled(err) {
		return nil
	}
	return err
}
