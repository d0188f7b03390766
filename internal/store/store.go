package store

import (
	"context"
	"time"

	"github.com/me/gobridge/pkg/model"
)

// Store defines the persistence layer for bridge cycle history.
type Store interface {
	// Cycle history
	InsertCycle(ctx context.Context, stats model.CycleStats) error
	ListCycles(ctx context.Context, bridgeID string, opts model.ListOptions) ([]model.CycleStats, error)
	CountCycles(ctx context.Context, bridgeID string) (int, error)

	// Faults
	InsertFault(ctx context.Context, fault model.Fault) error
	ListFaults(ctx context.Context, bridgeID string, opts model.ListOptions) ([]model.Fault, error)

	// Prune deletes cycles and faults recorded before cutoff and returns the
	// number of deleted rows.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
