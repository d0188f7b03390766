package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "gobridge API",
		Version:     "v1",
		Description: "Cyclic device bridge scheduler: status, history, setpoints and defective endpoints",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and bridge states"},
			{"/api/v1/bridges", []string{"GET"}, "List bridges with status"},
			{"/api/v1/bridges/{id}", []string{"GET"}, "Single bridge status with tasks and last cycle"},
			{"/api/v1/bridges/{id}/cycles", []string{"GET"}, "Recorded cycle statistics, newest first (?limit=)"},
			{"/api/v1/bridges/{id}/faults", []string{"GET"}, "Recorded cycle faults, newest first (?limit=)"},
			{"/api/v1/bridges/{id}/write", []string{"POST"}, "Trigger the write phase of the current cycle"},
			{"/api/v1/bridges/{id}/reinitialize", []string{"POST"}, "Reinitialize the protocol before the next cycle"},
			{"/api/v1/bridges/{id}/defective", []string{"GET"}, "Endpoints currently flagged defective"},
			{"/api/v1/bridges/{id}/defective/{endpoint}", []string{"PUT", "DELETE"}, "Flag or clear a defective endpoint"},
			{"/api/v1/channels", []string{"GET"}, "Latest channel values"},
			{"/api/v1/channels/{device}/{channel}", []string{"PUT"}, "Queue a setpoint for the next write phase"},
			{"/metrics", []string{"GET"}, "Prometheus metrics"},
		},
	})
}
