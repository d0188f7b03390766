package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice serves a JSON document and records posted setpoints.
type fakeDevice struct {
	mu       sync.Mutex
	status   int
	posted   []map[string]float64
	requests int
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"soc": 81, "power": {"ac": -2500.5}, "limit": 4000}`)
	case http.MethodPost:
		var body map[string]float64
		json.NewDecoder(r.Body).Decode(&body)
		f.posted = append(f.posted, body)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeDevice) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *fakeDevice) snapshot() (int, []map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, append([]map[string]float64(nil), f.posted...)
}

func newBattery(t *testing.T) (*Protocol, *fakeDevice, *httptest.Server, *channel.Store, *scheduler.DefectiveGuard) {
	t.Helper()
	dev := &fakeDevice{}
	srv := httptest.NewServer(dev)
	t.Cleanup(srv.Close)

	values := channel.NewStore()
	guard := scheduler.NewDefectiveGuard()
	p, err := New([]Device{{
		Name:     "battery",
		URL:      srv.URL + "/status",
		WriteURL: srv.URL + "/control",
		Priority: task.PriorityRequired,
		Headers:  map[string]string{"Authorization": "Bearer token"},
		Channels: []Channel{
			{Name: "soc", Expression: "data.soc"},
			{Name: "power", Expression: "data.power.ac"},
			{Name: "limit", Expression: "data.limit", Writable: true},
		},
	}}, time.Second, values, guard, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, dev, srv, values, guard
}

func TestPoll_StoresChannels(t *testing.T) {
	p, _, srv, values, _ := newBattery(t)
	src := p.Sources()[0]
	read := src.RequiredReadTasks()[0]

	u, _ := url.Parse(srv.URL)
	if read.Endpoint() != u.Host {
		t.Errorf("endpoint = %q, want %q", read.Endpoint(), u.Host)
	}
	if err := read.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for ch, want := range map[string]float64{"soc": 81, "power": -2500.5, "limit": 4000} {
		v, ok := values.Get("battery", ch)
		if !ok || v.Value != want {
			t.Errorf("%s = %v, want %v", ch, v.Value, want)
		}
	}
}

func TestPoll_ServiceUnavailableIsNotReady(t *testing.T) {
	p, dev, _, _, _ := newBattery(t)
	dev.setStatus(http.StatusServiceUnavailable)

	err := p.Sources()[0].RequiredReadTasks()[0].Run(context.Background())
	if !errors.Is(err, task.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if outcome, _ := task.Classify(err); outcome != task.OutcomeRetryable {
		t.Errorf("outcome = %v, want retryable", outcome)
	}
}

func TestPoll_ServerErrorFails(t *testing.T) {
	p, dev, _, _, _ := newBattery(t)
	dev.setStatus(http.StatusInternalServerError)

	err := p.Sources()[0].RequiredReadTasks()[0].Run(context.Background())
	if outcome, _ := task.Classify(err); outcome != task.OutcomeFailed {
		t.Errorf("outcome = %v (%v), want failed", outcome, err)
	}
}

func TestPoll_UnreachableIsDefectiveThenRecovers(t *testing.T) {
	p, _, srv, _, guard := newBattery(t)
	read := p.Sources()[0].RequiredReadTasks()[0]
	u, _ := url.Parse(srv.URL)

	guard.Mark(u.Host)
	if err := read.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if guard.IsDefective(u.Host) {
		t.Error("successful poll should clear the device")
	}

	srv.Close()
	err := read.Run(context.Background())
	var de *task.DefectiveError
	if !errors.As(err, &de) || de.Endpoint != u.Host {
		t.Fatalf("err = %v, want DefectiveError for %s", err, u.Host)
	}
}

func TestPush_PostsPendingSetpoints(t *testing.T) {
	p, dev, _, values, _ := newBattery(t)
	writes := p.Sources()[0].WriteTasks()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}

	if err := writes[0].Run(context.Background()); err != nil {
		t.Fatalf("empty write: %v", err)
	}
	if n, _ := dev.snapshot(); n != 0 {
		t.Fatalf("requests = %d, want 0 when nothing pending", n)
	}

	values.SetPending("battery", "limit", 3000)
	values.SetPending("battery", "soc", 50) // not writable
	if err := writes[0].Run(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, posted := dev.snapshot(); len(posted) != 1 || posted[0]["limit"] != 3000 || len(posted[0]) != 1 {
		t.Errorf("posted = %v", posted)
	}
}

func TestPush_FailureKeepsSetpoint(t *testing.T) {
	p, dev, _, values, _ := newBattery(t)
	dev.setStatus(http.StatusBadGateway)
	values.SetPending("battery", "limit", 3000)

	if err := p.Sources()[0].WriteTasks()[0].Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if v, ok := values.TakePending("battery", "limit"); !ok || v != 3000 {
		t.Errorf("pending = %v, %v", v, ok)
	}
}

func TestMinInterval(t *testing.T) {
	dev := &fakeDevice{}
	srv := httptest.NewServer(dev)
	defer srv.Close()

	p, err := New([]Device{{
		Name:        "meter",
		URL:         srv.URL,
		MinInterval: time.Hour,
		Headers:     map[string]string{"Authorization": "Bearer token"},
		Channels:    []Channel{{Name: "soc", Expression: "data.soc"}},
	}}, 0, channel.NewStore(), nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	read := p.Sources()[0].OptionalReadTasks()[0]
	if err := read.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := read.Run(context.Background()); !errors.Is(err, task.ErrNotReady) {
		t.Fatalf("second Run = %v, want ErrNotReady", err)
	}
	if n, _ := dev.snapshot(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		dev  Device
	}{
		{"bad url", Device{Name: "x", URL: "not a url"}},
		{"missing expression", Device{Name: "x", URL: "http://h", Channels: []Channel{{Name: "c"}}}},
		{"syntax error", Device{Name: "x", URL: "http://h", Channels: []Channel{{Name: "c", Expression: "data."}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]Device{tt.dev}, 0, channel.NewStore(), nil, testLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
