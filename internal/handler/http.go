package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/hypertrophy-rankings/internal/service"
	"github.com/hypertrophy-rankings/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds an activity submission
const maxBodyBytes = 1 << 20

// Handler provides HTTP handlers for the rankings API
type Handler struct {
	service  *service.RankingService
	hub      *websocket.Hub
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler. A nil gatherer serves the default
// prometheus registry.
func NewHandler(svc *service.RankingService, hub *websocket.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		service:  svc,
		hub:      hub,
		gatherer: gatherer,
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// GroupRequest assigns a user to a peer group
type GroupRequest struct {
	GroupID string `json:"group_id"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/activities", h.SubmitActivity)

		r.Get("/leaderboards/{period}/{category}", h.GetLeaderboard)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/rankings/{period}/{category}", h.GetUserRanking)
			r.Get("/group", h.GetUserGroup)
			r.Put("/group", h.AssignGroup)
		})

		r.Post("/admin/recalculate/{userID}", h.ForceRecalculate)
		r.Get("/queue/status", h.QueueStatus)

		if h.hub != nil {
			r.Get("/ws/stats", h.GetWebSocketStats)
		}
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error onto a status code. Unexpected
// errors are logged and hidden from the caller.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsInvalidError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrTemporarilyUnavailable):
		w.Header().Set("Retry-After", "5")
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrTemporarilyUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.TotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// SubmitActivity handles activity record submission
func (h *Handler) SubmitActivity(w http.ResponseWriter, r *http.Request) {
	var record domain.ActivityRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&record); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRecord)
		return
	}

	// server owned fields
	record.Score = nil
	record.ScoredAt = time.Time{}
	record.IngestedAt = time.Time{}
	record.UpdatedAt = time.Time{}

	saved, err := h.service.SubmitActivity(r.Context(), record)
	if err != nil {
		h.writeServiceError(w, "submit_activity", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    saved,
	})
}

// GetLeaderboard returns the top of a board, optionally limited to a peer group
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	period, category, ok := h.boardParams(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		limit = n
	}

	scope := domain.GlobalScope()
	if group := r.URL.Query().Get("group"); group != "" {
		scope = domain.GroupScope(group)
	}

	page, err := h.service.GetLeaderboard(r.Context(), period, category, scope, limit)
	if err != nil {
		h.writeServiceError(w, "get_leaderboard", err)
		return
	}
	if page.Stale {
		markStale(w)
	}

	h.writeSuccess(w, page)
}

// GetUserRanking returns a user's row on one board
func (h *Handler) GetUserRanking(w http.ResponseWriter, r *http.Request) {
	period, category, ok := h.boardParams(w, r)
	if !ok {
		return
	}

	row, err := h.service.GetUserRanking(r.Context(), chi.URLParam(r, "userID"), period, category)
	if err != nil {
		h.writeServiceError(w, "get_user_ranking", err)
		return
	}
	if row.Stale {
		markStale(w)
	}

	h.writeSuccess(w, row)
}

func markStale(w http.ResponseWriter) {
	w.Header().Set("Warning", `110 - "Response is Stale"`)
}

// GetUserGroup returns the peer group of a user
func (h *Handler) GetUserGroup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	groupID, found, err := h.service.UserGroup(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get_user_group", err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, domain.ErrGroupNotFound)
		return
	}

	h.writeSuccess(w, map[string]string{"user_id": userID, "group_id": groupID})
}

// AssignGroup moves a user into a peer group
func (h *Handler) AssignGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := h.service.AssignGroup(r.Context(), userID, req.GroupID); err != nil {
		h.writeServiceError(w, "assign_group", err)
		return
	}

	h.writeSuccess(w, map[string]string{"user_id": userID, "group_id": req.GroupID})
}

// ForceRecalculate rebuilds a user's scores from their full history. The
// optional period query parameter is a comma separated list of periods.
func (h *Handler) ForceRecalculate(w http.ResponseWriter, r *http.Request) {
	var periods domain.PeriodSet
	if v := r.URL.Query().Get("period"); v != "" {
		for _, name := range strings.Split(v, ",") {
			p, err := domain.ParsePeriod(strings.TrimSpace(name))
			if err != nil {
				h.writeError(w, http.StatusBadRequest, err)
				return
			}
			periods = periods.Union(domain.NewPeriodSet(p))
		}
	}

	userID := chi.URLParam(r, "userID")
	if err := h.service.ForceRecalculate(r.Context(), userID, periods); err != nil {
		h.writeServiceError(w, "force_recalculate", err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "recalculated", "user_id": userID})
}

// QueueStatus returns the update queue state
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.service.QueueStatus())
}

func (h *Handler) boardParams(w http.ResponseWriter, r *http.Request) (domain.Period, domain.Category, bool) {
	period, err := domain.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	category, err := domain.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return "", 0, false
	}
	return period, category, true
}
