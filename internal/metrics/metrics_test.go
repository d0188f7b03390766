package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/uber-go/tally/v4"

	"github.com/me/gobridge/pkg/model"
)

func counterValue(t *testing.T, scope tally.TestScope, name, bridge string) int64 {
	t.Helper()
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name && c.Tags()["bridge"] == bridge {
			return c.Value()
		}
	}
	return 0
}

func gaugeValue(scope tally.TestScope, name, bridge string) float64 {
	for _, g := range scope.Snapshot().Gauges() {
		if g.Name() == name && g.Tags()["bridge"] == bridge {
			return g.Value()
		}
	}
	return -1
}

func TestRecorder_Cycle(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	m := NewWithScope(scope)
	rec := m.ForBridge("inverter")

	rec.RecordCycle(model.CycleStats{
		BridgeID:       "inverter",
		Duration:       800 * time.Millisecond,
		RequiredReads:  3,
		OptionalReads:  5,
		Writes:         1,
		Failures:       2,
		BehindSchedule: true,
	})
	rec.RecordCycle(model.CycleStats{BridgeID: "inverter", WritesSkipped: true})

	tests := map[string]int64{
		"cycles":          2,
		"required_reads":  3,
		"optional_reads":  5,
		"writes":          1,
		"task_failures":   2,
		"behind_schedule": 1,
		"writes_skipped":  1,
	}
	for name, want := range tests {
		if got := counterValue(t, scope, name, "inverter"); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
	if got := counterValue(t, scope, "cycles", "meter"); got != 0 {
		t.Errorf("other bridge cycles = %d", got)
	}
}

func TestRecorder_FaultAndDefective(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	rec := NewWithScope(scope).ForBridge("b1")

	rec.RecordFault(model.Fault{BridgeID: "b1", Backoff: 3 * time.Second})
	rec.SetDefective(2)

	if got := counterValue(t, scope, "faults", "b1"); got != 1 {
		t.Errorf("faults = %d, want 1", got)
	}
	if got := gaugeValue(scope, "fault_backoff_seconds", "b1"); got != 3 {
		t.Errorf("backoff gauge = %v, want 3", got)
	}
	if got := gaugeValue(scope, "defective_endpoints", "b1"); got != 2 {
		t.Errorf("defective gauge = %v, want 2", got)
	}
}

func TestPrometheusHandler(t *testing.T) {
	m := New("gobridge")
	defer m.Close()

	m.ForBridge("b1").RecordCycle(model.CycleStats{BridgeID: "b1", RequiredReads: 1})
	// Root scopes report on an interval; wait for one flush.
	time.Sleep(1200 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "gobridge_cycles") {
		t.Errorf("metrics output missing gobridge_cycles:\n%s", body)
	}
}
