package store

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically deletes history older than a retention window.
type Pruner struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner. A non-positive retention disables pruning.
func NewPruner(st Store, retention, interval time.Duration, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Pruner{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "pruner"),
		now:       time.Now,
	}
}

// Run prunes once immediately and then every interval until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	if p.retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce deletes records older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("prune history", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Info("history pruned", "deleted", n, "cutoff", cutoff)
	}
}
