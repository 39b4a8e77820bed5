package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/paygate/internal/events"
	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/ingest"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
)

// defaultDecisionLimit caps GET /v1/decisions when no limit is given.
const defaultDecisionLimit = 50

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signals", s.handleSignal)
	mux.HandleFunc("PUT /v1/lifecycle", s.handleLifecycle)
	mux.HandleFunc("GET /v1/decisions/stream", s.handleDecisionStream)
	mux.HandleFunc("GET /v1/decisions/ws", s.handleDecisionSocket)
	mux.HandleFunc("POST /v1/decisions/{id}/feedback", s.handleFeedback)
	mux.HandleFunc("GET /v1/decisions", s.handleListDecisions)
	mux.HandleFunc("GET /v1/state", s.handleGetState)
	mux.HandleFunc("DELETE /v1/state", s.handleClearState)
	mux.HandleFunc("GET /v1/sources", s.handleListSources)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.healthStatus()})
}

// handleSignal handles POST /v1/signals.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var ev events.SignalEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if err := s.ingest.HandleSignal(r.Context(), ev); err != nil {
		writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleLifecycle handles PUT /v1/lifecycle.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var ev events.LifecycleEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.ingest.HandleLifecycle(r.Context(), ev)
	s.broadcastEvent(TopicLifecycle, ev)
	writeJSON(w, http.StatusOK, ev)
}

// handleFeedback handles POST /v1/decisions/{id}/feedback.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ev := events.FeedbackEvent{DecisionID: r.PathValue("id"), Outcome: model.Outcome(req.Outcome)}
	if err := s.ingest.HandleFeedback(r.Context(), ev); err != nil {
		writeGateError(w, err)
		return
	}
	s.broadcastEvent(TopicFeedback, feedbackBroadcast{DecisionID: ev.DecisionID, Outcome: ev.Outcome})
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// handleListDecisions handles GET /v1/decisions?limit=N. Without limit the
// reply is capped at defaultDecisionLimit; limit=0 returns the whole history.
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := defaultDecisionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"decisions": []any{}})
		return
	}
	recs, err := s.history.ListDecisions(r.Context(), limit)
	if err != nil {
		s.logger.Error("server: list decisions", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if recs == nil {
		recs = []*model.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": recs})
}

// handleGetState handles GET /v1/state.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}

// handleClearState handles DELETE /v1/state.
func (s *Server) handleClearState(w http.ResponseWriter, _ *http.Request) {
	if err := s.gate.Reset(); err != nil {
		writeGateError(w, err)
		return
	}
	s.broadcastEvent(TopicStateCleared, map[string]time.Time{"at": time.Now().UTC()})
	w.WriteHeader(http.StatusNoContent)
}

// handleListSources handles GET /v1/sources?stale_secs=N.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	if s.roster == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []any{}})
		return
	}
	var stale time.Duration
	if v := r.URL.Query().Get("stale_secs"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			stale = time.Duration(secs) * time.Second
		}
	}
	entries := s.roster.Roster(stale)
	if entries == nil {
		entries = []presence.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": entries})
}

// writeGateError maps gate and model errors to HTTP status codes.
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownKind),
		errors.Is(err, model.ErrInvalidEvent),
		errors.Is(err, model.ErrInvalidOutcome),
		errors.Is(err, gate.ErrStaleEvent),
		errors.Is(err, ingest.ErrMissingDecisionID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrUnknownDecision):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gate.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
