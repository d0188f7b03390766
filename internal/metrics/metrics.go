// Package metrics exposes bridge cycle metrics through a tally scope
// reported to Prometheus.
package metrics

import (
	"io"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"

	"github.com/me/gobridge/pkg/model"
)

// Metrics owns the root scope and the Prometheus HTTP handler.
type Metrics struct {
	scope   tally.Scope
	closer  io.Closer
	handler http.Handler
}

// New creates a Prometheus-backed root scope with the given prefix.
func New(prefix string) *Metrics {
	registry := promclient.NewRegistry()
	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer: registry,
		Gatherer:   registry,
	})
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         prefix,
		CachedReporter: reporter,
		Separator:      prometheus.DefaultSeparator,
	}, time.Second)
	return &Metrics{scope: scope, closer: closer, handler: reporter.HTTPHandler()}
}

// NewWithScope wraps an existing scope, e.g. tally.NewTestScope. Handler
// returns 404 in that case.
func NewWithScope(scope tally.Scope) *Metrics {
	return &Metrics{scope: scope, closer: nopCloser{}, handler: http.NotFoundHandler()}
}

// Scope returns the root scope.
func (m *Metrics) Scope() tally.Scope { return m.scope }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler { return m.handler }

// Close flushes and stops reporting.
func (m *Metrics) Close() error { return m.closer.Close() }

// ForBridge returns a scheduler Recorder tagged with the bridge id.
func (m *Metrics) ForBridge(bridgeID string) *Recorder {
	s := m.scope.Tagged(map[string]string{"bridge": bridgeID})
	return &Recorder{
		cycles:         s.Counter("cycles"),
		faults:         s.Counter("faults"),
		failures:       s.Counter("task_failures"),
		behind:         s.Counter("behind_schedule"),
		writesSkipped:  s.Counter("writes_skipped"),
		requiredReads:  s.Counter("required_reads"),
		optionalReads:  s.Counter("optional_reads"),
		writes:         s.Counter("writes"),
		duration:       s.Timer("cycle_duration"),
		overhead:       s.Gauge("listener_overhead_seconds"),
		backoff:        s.Gauge("fault_backoff_seconds"),
		defectiveUnits: s.Gauge("defective_endpoints"),
	}
}

// Recorder implements scheduler.Recorder for one bridge.
type Recorder struct {
	cycles         tally.Counter
	faults         tally.Counter
	failures       tally.Counter
	behind         tally.Counter
	writesSkipped  tally.Counter
	requiredReads  tally.Counter
	optionalReads  tally.Counter
	writes         tally.Counter
	duration       tally.Timer
	overhead       tally.Gauge
	backoff        tally.Gauge
	defectiveUnits tally.Gauge
}

func (r *Recorder) RecordCycle(s model.CycleStats) {
	r.cycles.Inc(1)
	r.requiredReads.Inc(int64(s.RequiredReads))
	r.optionalReads.Inc(int64(s.OptionalReads))
	r.writes.Inc(int64(s.Writes))
	r.failures.Inc(int64(s.Failures))
	if s.BehindSchedule {
		r.behind.Inc(1)
	}
	if s.WritesSkipped {
		r.writesSkipped.Inc(1)
	}
	r.duration.Record(s.Duration)
	r.overhead.Update(s.ListenerOverhead.Seconds())
	r.backoff.Update(0)
}

func (r *Recorder) RecordFault(f model.Fault) {
	r.faults.Inc(1)
	r.backoff.Update(f.Backoff.Seconds())
}

// SetDefective reports the number of endpoints currently flagged defective.
func (r *Recorder) SetDefective(n int) {
	r.defectiveUnits.Update(float64(n))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
