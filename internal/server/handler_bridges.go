package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/me/gobridge/internal/bridge"
	"github.com/me/gobridge/pkg/model"
)

// lookupBridge resolves the {id} URL parameter or writes a 404.
func (s *Server) lookupBridge(w http.ResponseWriter, r *http.Request) (*bridge.Bridge, bool) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	b, err := s.registry.Get(id)
	if errors.Is(err, bridge.ErrNotFound) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("bridge", id))
		return nil, false
	}
	if err != nil {
		s.respondInternal(w, reqID, err)
		return nil, false
	}
	return b, true
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	statuses := lo.Map(s.registry.List(), func(b *bridge.Bridge, _ int) model.BridgeStatus {
		st := b.Status()
		// The list view omits per-task detail.
		st.Tasks = nil
		return st
	})
	respondOK(w, reqID, statuses)
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	respondOK(w, reqID, b.Status())
}

// listOptions parses ?limit= into clamped ListOptions.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, model.NewValidationError("invalid query parameter",
				model.FieldError{Field: "limit", Message: "must be an integer"})
		}
		opts.Limit = n
	}
	opts.Clamp()
	return opts, nil
}

func (s *Server) requireStore(w http.ResponseWriter, reqID string) bool {
	if s.store != nil {
		return true
	}
	respondError(w, reqID, http.StatusServiceUnavailable,
		&model.APIError{Code: model.ErrInternal, Message: "history store is disabled"})
	return false
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok || !s.requireStore(w, reqID) {
		return
	}
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	cycles, err := s.store.ListCycles(r.Context(), b.ID(), opts)
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, cycles)
}

func (s *Server) handleListFaults(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok || !s.requireStore(w, reqID) {
		return
	}
	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	faults, err := s.store.ListFaults(r.Context(), b.ID(), opts)
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, faults)
}

func (s *Server) handleTriggerWrite(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	b.Loop().TriggerWrite()
	s.logger.Info("write triggered", "bridge", b.ID(), "request_id", reqID)
	respondAccepted(w, reqID, map[string]any{"bridge": b.ID(), "write_triggered": true})
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	b.Loop().TriggerReinitialize()
	s.logger.Info("reinitialize requested", "bridge", b.ID(), "request_id", reqID)
	respondAccepted(w, reqID, map[string]any{"bridge": b.ID(), "reinitialize": true})
}

type defectiveResponse struct {
	Bridge    string   `json:"bridge"`
	Defective []string `json:"defective"`
	Changed   *bool    `json:"changed,omitempty"`
}

func (s *Server) handleListDefective(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	respondOK(w, reqID, defectiveResponse{Bridge: b.ID(), Defective: b.Loop().Guard().List()})
}

func (s *Server) handleMarkDefective(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	guard := b.Loop().Guard()
	changed := guard.Mark(endpoint)
	s.logger.Info("endpoint flagged defective", "bridge", b.ID(), "endpoint", endpoint, "request_id", reqID)
	respondOK(w, reqID, defectiveResponse{Bridge: b.ID(), Defective: guard.List(), Changed: &changed})
}

func (s *Server) handleClearDefective(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, ok := s.lookupBridge(w, r)
	if !ok {
		return
	}
	endpoint := chi.URLParam(r, "endpoint")
	guard := b.Loop().Guard()
	if !guard.Clear(endpoint) {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("defective endpoint", endpoint))
		return
	}
	s.logger.Info("defective endpoint cleared", "bridge", b.ID(), "endpoint", endpoint, "request_id", reqID)
	changed := true
	respondOK(w, reqID, defectiveResponse{Bridge: b.ID(), Defective: guard.List(), Changed: &changed})
}
