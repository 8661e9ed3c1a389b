package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thiesgerken/carapace/internal/domain/session"
	"github.com/thiesgerken/carapace/internal/service"
)

// Handler serves the control plane: session CRUD and history, plus
// health and metrics. All /sessions routes require the bearer token.
type Handler struct {
	manager *session.Manager
	token   string
	metrics *Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
}

// NewHandler builds the control-plane handler. The websocket route is
// attached by the caller on the same mux via Mux().
func NewHandler(manager *session.Manager, token string, metrics *Metrics,
	reg prometheus.Gatherer, logger *slog.Logger) *Handler {

	h := &Handler{
		manager: manager,
		token:   token,
		metrics: metrics,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	h.mux.Handle("GET /sessions", h.auth(http.HandlerFunc(h.handleListSessions)))
	h.mux.Handle("POST /sessions", h.auth(http.HandlerFunc(h.handleCreateSession)))
	h.mux.Handle("GET /sessions/{id}", h.auth(http.HandlerFunc(h.handleGetSession)))
	h.mux.Handle("DELETE /sessions/{id}", h.auth(http.HandlerFunc(h.handleDeleteSession)))
	h.mux.Handle("GET /sessions/{id}/history", h.auth(http.HandlerFunc(h.handleHistory)))
	return h
}

// Mux exposes the underlying mux so the server can attach the WebSocket
// route alongside the control plane.
func (h *Handler) Mux() *http.ServeMux {
	return h.mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	ChannelType string `json:"channel_type"`
	ChannelRef  string `json:"channel_ref"`
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	ChannelType string `json:"channel_type"`
	ChannelRef  string `json:"channel_ref,omitempty"`
	CreatedAt   string `json:"created_at"`
	LastActive  string `json:"last_active"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	// An empty body means defaults; a malformed one is an error.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChannelType == "" {
		req.ChannelType = "cli"
	}

	st, err := h.manager.Create(req.ChannelType, req.ChannelRef)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.countRequest(r, http.StatusOK)
	h.respondJSON(w, http.StatusOK, sessionResponse{
		SessionID:   st.SessionID,
		ChannelType: st.ChannelType,
		ChannelRef:  st.ChannelRef,
		CreatedAt:   st.CreatedAt.Format(timeFormat),
		LastActive:  st.LastActive.Format(timeFormat),
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := h.manager.List()
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		out = append(out, map[string]any{
			"session_id":   info.SessionID,
			"channel_type": info.ChannelType,
			"last_active":  info.LastActive.Format(timeFormat),
		})
	}
	h.countRequest(r, http.StatusOK)
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Peek(r.PathValue("id"))
	if err != nil {
		h.respondSessionError(w, r, err)
		return
	}
	h.countRequest(r, http.StatusOK)
	h.respondJSON(w, http.StatusOK, map[string]any{
		"session_id":           st.SessionID,
		"channel_type":         st.ChannelType,
		"channel_ref":          st.ChannelRef,
		"created_at":           st.CreatedAt.Format(timeFormat),
		"last_active":          st.LastActive.Format(timeFormat),
		"activated_rules":      st.ActivatedRules,
		"disabled_rules":       st.DisabledRules,
		"approved_credentials": st.ApprovedCredentials,
		"retired":              st.Retired,
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.PathValue("id")); err != nil {
		h.respondSessionError(w, r, err)
		return
	}
	h.countRequest(r, http.StatusNoContent)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.History(r.PathValue("id"))
	if err != nil {
		h.respondSessionError(w, r, err)
		return
	}
	h.countRequest(r, http.StatusOK)
	h.respondJSON(w, http.StatusOK, service.HistoryView(entries))
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func (h *Handler) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, session.ErrNotFound) {
		h.respondError(w, r, http.StatusNotFound, "session not found")
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("response encode failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	h.countRequest(r, status)
	h.respondJSON(w, status, map[string]string{"detail": detail})
}

func (h *Handler) countRequest(r *http.Request, status int) {
	if h.metrics != nil {
		h.metrics.RequestsTotal.WithLabelValues(r.Method, http.StatusText(status)).Inc()
	}
}
