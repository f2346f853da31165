// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shaw-s-yu/terminal-server/internal/logger"
	"github.com/shaw-s-yu/terminal-server/internal/model"
	"github.com/shaw-s-yu/terminal-server/internal/session"
)

// SessionStore reads persisted session records.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, state model.SessionState) ([]*model.Session, error)
}

// SessionHandler handles HTTP requests for session inspection.
type SessionHandler struct {
	registry *session.Registry
	store    SessionStore
	logDir   string
	log      *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. logDir is where session
// transcripts are written; empty means transcripts are disabled.
func NewSessionHandler(registry *session.Registry, store SessionStore, logDir string, log *slog.Logger) *SessionHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionHandler{
		registry: registry,
		store:    store,
		logDir:   logDir,
		log:      log.With("component", "http"),
	}
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
	Shell     string `json:"shell"`
	Platform  string `json:"platform"`
	State     string `json:"state"`
	Live      bool   `json:"live"`
	PID       *int   `json:"pid,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Swaps     int    `json:"swaps"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toSessionResponse converts a model.Session to SessionResponse.
func toSessionResponse(s *model.Session, live bool) *SessionResponse {
	return &SessionResponse{
		ID:        s.ID,
		ClientID:  s.ClientID,
		Shell:     s.Shell,
		Platform:  s.Platform,
		State:     string(s.State),
		Live:      live,
		PID:       s.PID,
		ExitCode:  s.ExitCode,
		Swaps:     s.Swaps,
		Duration:  formatDuration(s.Duration()),
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration rounded to the second.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// validSessionID reports whether id has the form session_<uuid>.
func validSessionID(id string) bool {
	clientID, ok := strings.CutPrefix(id, session.IDFor(""))
	return ok && uuid.Validate(clientID) == nil
}

// sessionID extracts and validates the :id parameter. It writes the error
// response and returns false when the id is unusable.
func sessionID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !validSessionID(id) {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid session ID "+id)
		return "", false
	}
	return id, true
}

// List handles GET /api/sessions - lists stored session records.
// An optional ?state= filter selects one lifecycle state.
func (h *SessionHandler) List(c *gin.Context) {
	state := model.SessionState(c.Query("state"))
	switch state {
	case "", model.SessionStateStarting, model.SessionStateRunning, model.SessionStateStopping, model.SessionStateStopped:
	default:
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown state "+string(state))
		return
	}

	sessions, err := h.store.List(c.Request.Context(), state)
	if err != nil {
		h.log.Error("failed to list sessions", "error", err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list sessions: "+err.Error())
		return
	}

	response := make([]*SessionResponse, len(sessions))
	for i, sess := range sessions {
		live := h.registry.LookupSession(sess.ID)
		if live != nil {
			// The store lags the live session by at most one write.
			snap := live.Snapshot()
			sess = &snap
		}
		response[i] = toSessionResponse(sess, live != nil)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - returns the live session if present,
// otherwise the stored record.
func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if live := h.registry.LookupSession(id); live != nil {
		snap := live.Snapshot()
		c.JSON(http.StatusOK, toSessionResponse(&snap, true))
		return
	}

	sess, err := h.store.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess, false))
}

// Delete handles DELETE /api/sessions/:id - terminates a live session.
func (h *SessionHandler) Delete(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if !h.registry.RemoveSession(id) {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+id+" is not live")
		return
	}

	h.log.Info("session terminated over HTTP", "session_id", id)
	c.Status(http.StatusNoContent)
}

// GetLogs handles GET /api/sessions/:id/logs - downloads the session
// transcript. ?format=json returns it decoded.
func (h *SessionHandler) GetLogs(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}

	if h.logDir == "" {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Transcripts are disabled")
		return
	}

	path := logger.CastPath(h.logDir, id)
	if _, err := os.Stat(path); err != nil {
		sendError(c, http.StatusNotFound, "LOG_NOT_FOUND", "Log file not found for session "+id)
		return
	}

	if c.Query("format") == "json" {
		f, err := os.Open(path)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to open log: "+err.Error())
			return
		}
		defer f.Close()

		cast, err := logger.ReadCast(f)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read log: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, cast)
		return
	}

	// Set headers for file download
	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename="+id+".cast")

	c.File(path)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
		sessions.GET("/:id/logs", h.GetLogs)
	}
}
