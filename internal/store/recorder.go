package store

import (
	"context"
	"log/slog"

	"github.com/me/gobridge/pkg/model"
)

// recorderBuffer bounds the queue between bridge loops and the database.
const recorderBuffer = 256

type record struct {
	cycle *model.CycleStats
	fault *model.Fault
}

// Recorder persists cycle statistics and faults without blocking the
// calling loop. Records are queued and written by Run; when the queue is
// full new records are dropped.
type Recorder struct {
	store  Store
	queue  chan record
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		queue:  make(chan record, recorderBuffer),
		logger: logger.With("component", "recorder"),
	}
}

func (r *Recorder) RecordCycle(stats model.CycleStats) {
	r.enqueue(record{cycle: &stats})
}

func (r *Recorder) RecordFault(fault model.Fault) {
	r.enqueue(record{fault: &fault})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("record queue full, dropping record")
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// left in the queue.
func (r *Recorder) Run(ctx context.Context) error {
	// Writes in progress are finished even when ctx ends.
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			r.flush(wctx)
			return nil
		case rec := <-r.queue:
			r.write(wctx, rec)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec record) {
	var err error
	switch {
	case rec.cycle != nil:
		err = r.store.InsertCycle(ctx, *rec.cycle)
	case rec.fault != nil:
		err = r.store.InsertFault(ctx, *rec.fault)
	}
	if err != nil {
		r.logger.Error("persist record failed", "error", err)
	}
}
