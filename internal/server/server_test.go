package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/gobridge/internal/bridge"
	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/config"
	"github.com/me/gobridge/internal/cycle"
	"github.com/me/gobridge/internal/scheduler"
	"github.com/me/gobridge/internal/store"
	"github.com/me/gobridge/pkg/model"
)

type fixture struct {
	srv    *Server
	reg    *bridge.Registry
	values *channel.Store
	store  *store.SQLiteStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := testLogger()
	coord, err := cycle.New(cycle.DefaultConfig(), logger)
	if err != nil {
		t.Fatalf("cycle.New: %v", err)
	}
	values := channel.NewStore()
	reg := bridge.NewRegistry(coord, logger)

	b, err := bridge.Build(config.BridgeConfig{
		ID:   "meter",
		Type: config.TypeREST,
		REST: &config.RESTConfig{Devices: []config.RESTDevice{{
			Name:     "m1",
			URL:      "http://meter.local/status",
			Priority: "required",
			Channels: []config.RESTChannel{{Name: "limit", Expression: "data.limit", Writable: true}},
		}}},
	}, scheduler.DefaultConfig(), bridge.Deps{Coordinator: coord, Values: values, Logger: logger})
	if err != nil {
		t.Fatalf("bridge.Build: %v", err)
	}
	if err := reg.Register(b); err != nil {
		t.Fatalf("Register: %v", err)
	}

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	opts = append([]Option{WithStore(st)}, opts...)
	return &fixture{
		srv:    New(config.DefaultServerConfig(), reg, values, logger, opts...),
		reg:    reg,
		values: values,
		store:  st,
	}
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv *Server, method, path, body string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func TestDiscovery(t *testing.T) {
	f := newFixture(t)
	env := do(t, f.srv, "GET", "/api/v1/", "", http.StatusOK)
	if env.Status != "ok" {
		t.Errorf("status = %q, want ok", env.Status)
	}
	if !strings.HasPrefix(env.RequestID, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", env.RequestID)
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Endpoints) < 10 {
		t.Errorf("endpoints count = %d, want >= 10", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	env := do(t, f.srv, "GET", "/api/v1/health", "", http.StatusOK)

	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Version != Version {
		t.Errorf("version = %q, want %s", data.Version, Version)
	}
	// The loop was never started.
	if data.Status != "degraded" {
		t.Errorf("health status = %q, want degraded", data.Status)
	}
	if data.Bridges["meter"] != model.BridgeStateStopped.String() {
		t.Errorf("bridges = %v", data.Bridges)
	}
	if data.Store != "ok" {
		t.Errorf("store = %q, want ok", data.Store)
	}
}

func TestBridges_ListAndGet(t *testing.T) {
	f := newFixture(t)

	env := do(t, f.srv, "GET", "/api/v1/bridges", "", http.StatusOK)
	var list []model.BridgeStatus
	json.Unmarshal(env.Data, &list)
	if len(list) != 1 || list[0].ID != "meter" {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Tasks != nil {
		t.Error("list view should omit tasks")
	}

	env = do(t, f.srv, "GET", "/api/v1/bridges/meter", "", http.StatusOK)
	var st model.BridgeStatus
	json.Unmarshal(env.Data, &st)
	if st.Type != config.TypeREST || len(st.Tasks) != 2 {
		t.Errorf("status = %+v", st)
	}

	env = do(t, f.srv, "GET", "/api/v1/bridges/nope", "", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrNotFound {
		t.Errorf("error = %v, want NOT_FOUND", env.Error)
	}
}

func TestBridges_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := f.store.InsertCycle(ctx, model.CycleStats{BridgeID: "meter", StartedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("InsertCycle: %v", err)
		}
	}
	if err := f.store.InsertFault(ctx, model.Fault{BridgeID: "meter", OccurredAt: base, Error: "bus timeout", Backoff: time.Second}); err != nil {
		t.Fatalf("InsertFault: %v", err)
	}

	env := do(t, f.srv, "GET", "/api/v1/bridges/meter/cycles?limit=2", "", http.StatusOK)
	var cycles []model.CycleStats
	json.Unmarshal(env.Data, &cycles)
	if len(cycles) != 2 {
		t.Fatalf("len(cycles) = %d, want 2", len(cycles))
	}
	if !cycles[0].StartedAt.After(cycles[1].StartedAt) {
		t.Error("cycles not newest first")
	}

	env = do(t, f.srv, "GET", "/api/v1/bridges/meter/faults", "", http.StatusOK)
	var faults []model.Fault
	json.Unmarshal(env.Data, &faults)
	if len(faults) != 1 || faults[0].Error != "bus timeout" {
		t.Errorf("faults = %+v", faults)
	}

	env = do(t, f.srv, "GET", "/api/v1/bridges/meter/cycles?limit=lots", "", http.StatusBadRequest)
	if env.Error == nil || env.Error.Code != model.ErrValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", env.Error)
	}
}

func TestBridges_HistoryWithoutStore(t *testing.T) {
	logger := testLogger()
	coord, _ := cycle.New(cycle.DefaultConfig(), logger)
	srv := New(config.DefaultServerConfig(), bridge.NewRegistry(coord, logger), channel.NewStore(), logger)
	// Unknown bridge is reported before the missing store.
	do(t, srv, "GET", "/api/v1/bridges/meter/cycles", "", http.StatusNotFound)

	f := newFixture(t)
	f.srv.store = nil
	do(t, f.srv, "GET", "/api/v1/bridges/meter/faults", "", http.StatusServiceUnavailable)
}

func TestBridges_Triggers(t *testing.T) {
	f := newFixture(t)
	env := do(t, f.srv, "POST", "/api/v1/bridges/meter/write", "", http.StatusAccepted)
	if env.Status != "ok" {
		t.Errorf("status = %q", env.Status)
	}
	do(t, f.srv, "POST", "/api/v1/bridges/meter/reinitialize", "", http.StatusAccepted)
	do(t, f.srv, "POST", "/api/v1/bridges/ghost/write", "", http.StatusNotFound)
}

func TestBridges_Defective(t *testing.T) {
	f := newFixture(t)

	env := do(t, f.srv, "PUT", "/api/v1/bridges/meter/defective/meter.local", "", http.StatusOK)
	var data defectiveResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Defective) != 1 || data.Defective[0] != "meter.local" || data.Changed == nil || !*data.Changed {
		t.Fatalf("mark response = %+v", data)
	}

	b, _ := f.reg.Get("meter")
	if !b.Loop().Guard().IsDefective("meter.local") {
		t.Error("guard not updated")
	}
	if st := b.Status(); len(st.Defective) != 1 {
		t.Errorf("status defective = %v", st.Defective)
	}

	env = do(t, f.srv, "GET", "/api/v1/bridges/meter/defective", "", http.StatusOK)
	json.Unmarshal(env.Data, &data)
	if len(data.Defective) != 1 {
		t.Errorf("list = %+v", data)
	}

	do(t, f.srv, "DELETE", "/api/v1/bridges/meter/defective/meter.local", "", http.StatusOK)
	if b.Loop().Guard().IsDefective("meter.local") {
		t.Error("guard still defective after DELETE")
	}
	do(t, f.srv, "DELETE", "/api/v1/bridges/meter/defective/meter.local", "", http.StatusNotFound)
}

func TestChannels(t *testing.T) {
	f := newFixture(t)
	f.values.Set("m1", "power", 1500)

	env := do(t, f.srv, "GET", "/api/v1/channels", "", http.StatusOK)
	var values []model.ChannelValue
	json.Unmarshal(env.Data, &values)
	if len(values) != 1 || values[0].Value != 1500 {
		t.Fatalf("channels = %+v", values)
	}

	env = do(t, f.srv, "PUT", "/api/v1/channels/m1/limit", `{"value": 4200}`, http.StatusAccepted)
	var sp setpointResponse
	json.Unmarshal(env.Data, &sp)
	if sp.Bridge != "meter" || sp.Value != 4200 {
		t.Errorf("setpoint response = %+v", sp)
	}
	if v, ok := f.values.TakePending("m1", "limit"); !ok || v != 4200 {
		t.Errorf("pending = %v, %v, want 4200", v, ok)
	}
}

func TestChannels_SetpointErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   model.ErrorCode
	}{
		{"invalid json", "/api/v1/channels/m1/limit", "not json", http.StatusBadRequest, model.ErrValidation},
		{"missing value", "/api/v1/channels/m1/limit", `{}`, http.StatusBadRequest, model.ErrValidation},
		{"unknown device", "/api/v1/channels/ghost/limit", `{"value": 1}`, http.StatusNotFound, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := do(t, f.srv, "PUT", tt.path, tt.body, tt.status)
			if env.Status != "error" || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("envelope = %+v", env)
			}
		})
	}
	if f.values.Pending() != 0 {
		t.Errorf("pending = %d, want 0", f.values.Pending())
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gobridge_cycles 1\n"))
	})))
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "gobridge_cycles") {
		t.Errorf("GET /metrics: %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}
