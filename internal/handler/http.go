package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/game-progress/internal/config"
	"github.com/game-progress/internal/domain"
	"github.com/game-progress/internal/service"
	"github.com/game-progress/internal/websocket"
)

// Handler provides HTTP handlers for the game progress API
type Handler struct {
	service *service.ProgressService
	hub     *websocket.Hub
	cors    *config.CORSConfig
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.ProgressService, hub *websocket.Hub, cors *config.CORSConfig, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		cors:    cors,
		logger:  logger,
	}
}

// APIResponse is the body written for failed requests
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// MessageResponse acknowledges a mutation
type MessageResponse struct {
	Message       string   `json:"message"`
	NewTotalScore *int64   `json:"new_total_score,omitempty"`
	Achievements  []string `json:"new_achievements,omitempty"`
}

type createProgressRequest struct {
	PlayerName *string `json:"player_name"`
}

type completeLevelRequest struct {
	PlayerID       string `json:"player_id"`
	LevelNumber    *int   `json:"level_number"`
	Score          *int64 `json:"score"`
	CompletionTime *int   `json:"completion_time"`
}

type statusCheckRequest struct {
	ClientName string `json:"client_name"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(h.corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.Root)

		r.Post("/status", h.CreateStatusCheck)
		r.Get("/status", h.ListStatusChecks)

		r.Route("/game", func(r chi.Router) {
			r.Post("/progress", h.CreateProgress)
			r.Get("/progress/{playerName}", h.GetProgress)
			r.Put("/progress/{playerID}", h.UpdateProgress)
			r.Post("/complete-level", h.CompleteLevel)
			r.Get("/leaderboard", h.GetLeaderboard)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// originAllowed reports whether origin may make cross-origin requests
func (h *Handler) originAllowed(origin string) bool {
	return slices.Contains(h.cors.AllowedOrigins, "*") || slices.Contains(h.cors.AllowedOrigins, origin)
}

// corsMiddleware adds CORS headers for allowed origins
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			allowOrigin := origin
			if !h.cors.AllowCredentials && slices.Contains(h.cors.AllowedOrigins, "*") {
				allowOrigin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Add("Vary", "Origin")
			if h.cors.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
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
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error to its HTTP status
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, domain.ErrPlayerNotFound)
	case domain.IsUnavailableError(err):
		h.logger.Error("store unavailable", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads a JSON request body into v
func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.checkOrigin, h.logger, w, r)
}

// checkOrigin applies the CORS origin list to websocket upgrades
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || h.originAllowed(origin)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_connections":       h.hub.GetTotalConnections(),
		"leaderboard_subscribers": h.hub.GetSubscriberCount(websocket.LeaderboardChannel),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the progress store is reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Root returns the API banner
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "Guardianes de las Plantas del Perú - API"})
}

// CreateStatusCheck records a client status check
func (h *Handler) CreateStatusCheck(w http.ResponseWriter, r *http.Request) {
	var req statusCheckRequest
	if err := decode(r, &req); err != nil || req.ClientName == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	check, err := h.service.CreateStatusCheck(r.Context(), req.ClientName)
	if err != nil {
		h.writeServiceError(w, "create status check", err)
		return
	}
	h.writeJSON(w, http.StatusOK, check)
}

// ListStatusChecks returns recorded status checks
func (h *Handler) ListStatusChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.service.ListStatusChecks(r.Context())
	if err != nil {
		h.writeServiceError(w, "list status checks", err)
		return
	}
	h.writeJSON(w, http.StatusOK, checks)
}

// CreateProgress finds or creates a player's progress by name
func (h *Handler) CreateProgress(w http.ResponseWriter, r *http.Request) {
	var req createProgressRequest
	if err := decode(r, &req); err != nil || req.PlayerName == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	progress, err := h.service.CreatePlayer(r.Context(), *req.PlayerName)
	if err != nil {
		h.writeServiceError(w, "create progress", err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// GetProgress returns a player's progress by name
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	playerName := chi.URLParam(r, "playerName")
	if playerName == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	progress, err := h.service.GetProgress(r.Context(), playerName)
	if err != nil {
		h.writeServiceError(w, "get progress", err)
		return
	}
	h.writeJSON(w, http.StatusOK, progress)
}

// UpdateProgress applies a partial update to a player's progress by id
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if playerID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	var update domain.ProgressUpdate
	if err := decode(r, &update); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.UpdateProgress(r.Context(), playerID, update); err != nil {
		h.writeServiceError(w, "update progress", err)
		return
	}
	h.writeJSON(w, http.StatusOK, MessageResponse{Message: "Progress updated successfully"})
}

// CompleteLevel records a level completion
func (h *Handler) CompleteLevel(w http.ResponseWriter, r *http.Request) {
	var req completeLevelRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PlayerID == "" || req.LevelNumber == nil || req.Score == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.service.CompleteLevel(r.Context(), domain.LevelCompletion{
		PlayerID:       req.PlayerID,
		LevelNumber:    *req.LevelNumber,
		Score:          *req.Score,
		CompletionTime: req.CompletionTime,
	})
	if err != nil {
		h.writeServiceError(w, "complete level", err)
		return
	}

	h.writeJSON(w, http.StatusOK, MessageResponse{
		Message:       "Level completed successfully",
		NewTotalScore: &result.TotalScore,
		Achievements:  result.NewAchievements,
	})
}

// GetLeaderboard returns the top players by total score
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.service.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "get leaderboard", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}
