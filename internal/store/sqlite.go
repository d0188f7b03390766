package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gobridge/pkg/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Cycles ---

func (s *SQLiteStore) InsertCycle(ctx context.Context, c model.CycleStats) error {
	s.logger.Debug("sql", "op", "insert", "table", "cycles", "bridge", c.BridgeID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (bridge_id, started_at, duration_ns, required_reads, optional_reads, writes,
		                     writes_skipped, failures, behind_schedule, listener_overhead_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BridgeID, c.StartedAt.UTC().Format(timeFormat), int64(c.Duration),
		c.RequiredReads, c.OptionalReads, c.Writes,
		boolToInt(c.WritesSkipped), c.Failures, boolToInt(c.BehindSchedule), int64(c.ListenerOverhead),
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// ListCycles returns the most recent cycles of a bridge, newest first.
func (s *SQLiteStore) ListCycles(ctx context.Context, bridgeID string, opts model.ListOptions) ([]model.CycleStats, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "cycles", "bridge", bridgeID, "limit", opts.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT bridge_id, started_at, duration_ns, required_reads, optional_reads, writes,
		        writes_skipped, failures, behind_schedule, listener_overhead_ns
		 FROM cycles WHERE bridge_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		bridgeID, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []model.CycleStats
	for rows.Next() {
		var c model.CycleStats
		var startedAt string
		var duration, overhead int64
		var skipped, behind int
		if err := rows.Scan(&c.BridgeID, &startedAt, &duration, &c.RequiredReads, &c.OptionalReads,
			&c.Writes, &skipped, &c.Failures, &behind, &overhead); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt, err = time.Parse(timeFormat, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		c.Duration = time.Duration(duration)
		c.ListenerOverhead = time.Duration(overhead)
		c.WritesSkipped = skipped != 0
		c.BehindSchedule = behind != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountCycles(ctx context.Context, bridgeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles WHERE bridge_id = ?`, bridgeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cycles: %w", err)
	}
	return n, nil
}

// --- Faults ---

func (s *SQLiteStore) InsertFault(ctx context.Context, f model.Fault) error {
	s.logger.Debug("sql", "op", "insert", "table", "faults", "bridge", f.BridgeID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO faults (bridge_id, occurred_at, error, backoff_ns) VALUES (?, ?, ?, ?)`,
		f.BridgeID, f.OccurredAt.UTC().Format(timeFormat), f.Error, int64(f.Backoff),
	)
	if err != nil {
		return fmt.Errorf("insert fault: %w", err)
	}
	return nil
}

// ListFaults returns the most recent faults of a bridge, newest first.
func (s *SQLiteStore) ListFaults(ctx context.Context, bridgeID string, opts model.ListOptions) ([]model.Fault, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "faults", "bridge", bridgeID, "limit", opts.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT bridge_id, occurred_at, error, backoff_ns
		 FROM faults WHERE bridge_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		bridgeID, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list faults: %w", err)
	}
	defer rows.Close()

	var out []model.Fault
	for rows.Next() {
		var f model.Fault
		var occurredAt string
		var backoff int64
		if err := rows.Scan(&f.BridgeID, &occurredAt, &f.Error, &backoff); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		f.OccurredAt, err = time.Parse(timeFormat, occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		f.Backoff = time.Duration(backoff)
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Retention ---

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeFormat)
	s.logger.Debug("sql", "op", "delete", "table", "cycles,faults", "before", ts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, stmt := range []string{
		`DELETE FROM cycles WHERE started_at < ?`,
		`DELETE FROM faults WHERE occurred_at < ?`,
	} {
		res, err := tx.ExecContext(ctx, stmt, ts)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
