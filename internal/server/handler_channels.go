package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/gobridge/internal/bridge"
	"github.com/me/gobridge/pkg/model"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.values.Snapshot())
}

type setpointRequest struct {
	Value *float64 `json:"value"`
}

type setpointResponse struct {
	Bridge  string  `json:"bridge"`
	Device  string  `json:"device"`
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

// handleSetpoint queues a setpoint and triggers the write phase of the
// bridge serving the device.
func (s *Server) handleSetpoint(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	device := chi.URLParam(r, "device")
	ch := chi.URLParam(r, "channel")

	var req setpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Value == nil || math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0) {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("setpoint is required",
				model.FieldError{Field: "value", Message: "must be a finite number"}))
		return
	}

	b, err := s.registry.Owner(device)
	if errors.Is(err, bridge.ErrNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("device", device))
		return
	}
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}

	s.values.SetPending(device, ch, *req.Value)
	b.Loop().TriggerWrite()
	s.logger.Info("setpoint queued", "bridge", b.ID(), "device", device, "channel", ch, "value", *req.Value)
	respondAccepted(w, reqID, setpointResponse{Bridge: b.ID(), Device: device, Channel: ch, Value: *req.Value})
}
