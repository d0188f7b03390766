package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	GoVersion string            `json:"go_version"`
	Uptime    string            `json:"uptime"`
	Store     string            `json:"store"`
	Bridges   map[string]string `json:"bridges"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	bridges := make(map[string]string)
	status := "healthy"
	for _, b := range s.registry.List() {
		st := b.Loop().State()
		bridges[b.ID()] = st.String()
		if !st.IsCycling() && status == "healthy" {
			status = "degraded"
		}
	}
	store := "disabled"
	if s.store != nil {
		store = "ok"
	}

	respondOK(w, reqID, healthResponse{
		Status:    status,
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     store,
		Bridges:   bridges,
	})
}
