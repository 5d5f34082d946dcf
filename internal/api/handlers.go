package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/dispatch"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/jobs"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/login"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/logx"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/profiles"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/session"
	"github.com/shehryarbajwa/webchat-dispatcher/pkg/models"
)

// SessionService is what the handlers need from the session manager.
type SessionService interface {
	Start(ctx context.Context) (session.StartStatus, error)
	Stop(ctx context.Context) (session.StopStatus, error)
	Restart(ctx context.Context) (*session.Session, error)
	State(ctx context.Context) login.State
	LastError() error
	Snapshot() (login.Challenge, error)
	RefreshChallenge(ctx context.Context) (login.RefreshResult, error)
	ConnectedTarget(ctx context.Context) (dispatch.Target, error)
	Info(ctx context.Context) session.Info
	ControlURL() (string, error)
}

type ContactLister interface {
	Contacts(ctx context.Context, t dispatch.Target) ([]string, error)
}

type JobService interface {
	Submit(ctx context.Context, recipients []string, message string) (string, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
}

type ProfileStore interface {
	List(ctx context.Context) ([]*profiles.Profile, error)
	Get(ctx context.Context, id string) (*profiles.Profile, error)
	Create(ctx context.Context, in profiles.Input) (*profiles.Profile, error)
	Update(ctx context.Context, id string, in profiles.Input) (*profiles.Profile, error)
	Delete(ctx context.Context, id string) error
}

type Archiver interface {
	Archive(w io.Writer) error
}

type LogSource interface {
	Snapshot(limit int, level string) []logx.Entry
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions  SessionService
	contacts  ContactLister
	jobs      JobService
	profiles  ProfileStore
	artifacts Archiver
	logs      LogSource

	started time.Time
	now     func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions SessionService, contacts ContactLister, jobs JobService, profiles ProfileStore, artifacts Archiver, logs LogSource) *Handler {
	return &Handler{
		sessions:  sessions,
		contacts:  contacts,
		jobs:      jobs,
		profiles:  profiles,
		artifacts: artifacts,
		logs:      logs,
		started:   time.Now(),
		now:       time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.L().Warnw("response_encode_failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

// sessionErrorStatus maps session errors onto HTTP statuses.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotStarted), errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, dispatch.ErrNotConnected):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrCreationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, login.ErrTerminal):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// StartSession handles POST /v1/session/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Start(r.Context())
	if err != nil {
		writeJSON(w, sessionErrorStatus(err), models.StartResponse{Status: string(status)})
		return
	}
	code := http.StatusAccepted
	if status == session.StatusAlreadyStarted {
		code = http.StatusOK
	}
	writeJSON(w, code, models.StartResponse{Status: string(status)})
}

// StopSession handles POST /v1/session/stop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.StopResponse{Status: string(status)})
}

// RestartSession handles POST /v1/session/restart
func (h *Handler) RestartSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Restart(r.Context())
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.RestartResponse{
		Status:    "restarted",
		SessionID: s.ID,
		State:     string(h.sessions.State(r.Context())),
	})
}

// GetState handles GET /v1/session/state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	resp := models.StateResponse{State: string(h.sessions.State(r.Context()))}
	if _, err := h.sessions.Snapshot(); err == nil {
		resp.QRAvailable = true
	}
	if err := h.sessions.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetQR handles GET /v1/session/qr. With no session it starts one and asks
// the caller to retry.
func (h *Handler) GetQR(w http.ResponseWriter, r *http.Request) {
	state := h.sessions.State(r.Context())

	switch state {
	case login.NotStarted:
		if _, err := h.sessions.Start(r.Context()); err != nil {
			writeError(w, sessionErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, models.QRUnavailableResponse{
			State:   string(login.Initializing),
			Message: "session starting, retry shortly",
		})
		return
	case login.Connected:
		writeJSON(w, http.StatusOK, models.QRUnavailableResponse{
			State:   string(state),
			Message: "already logged in",
		})
		return
	}

	challenge, err := h.sessions.Snapshot()
	if err != nil {
		msg := "no QR code available yet"
		if lastErr := h.sessions.LastError(); state == login.Error && lastErr != nil {
			msg = lastErr.Error()
		}
		writeJSON(w, http.StatusNotFound, models.QRUnavailableResponse{State: string(state), Message: msg})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Captured-At", challenge.CapturedAt.UTC().Format(time.RFC3339))
	w.Header().Set("Content-Length", strconv.Itoa(len(challenge.PNG)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(challenge.PNG)
}

// RefreshQR handles POST /v1/session/qr/refresh
func (h *Handler) RefreshQR(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.RefreshChallenge(r.Context())
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.RefreshResponse{Status: string(result)})
}

// GetDebugInfo handles GET /v1/session/debug
func (h *Handler) GetDebugInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Info(r.Context()))
}

// GetDebugURL handles GET /v1/session/debug/url
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.ControlURL(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	info := h.sessions.Info(r.Context())
	writeJSON(w, http.StatusOK, models.DebugURLResponse{
		DebuggerURL: fmt.Sprintf("ws://%s/v1/session/ws", r.Host),
		SessionID:   info.SessionID,
	})
}

// GetArtifacts handles GET /v1/session/debug/artifacts
func (h *Handler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="artifacts.tar.gz"`)
	if err := h.artifacts.Archive(w); err != nil {
		logx.L().Errorw("artifacts_archive_failed", "err", err)
	}
}

// Health handles GET /v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	_, qrErr := h.sessions.Snapshot()
	now := h.now()
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:        "ok",
		Timestamp:     now.UTC(),
		SessionState:  string(h.sessions.State(r.Context())),
		QRAvailable:   qrErr == nil,
		UptimeSeconds: now.Sub(h.started).Seconds(),
	})
}

// GetLogs handles GET /v1/logs?limit=&level=
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries := h.logs.Snapshot(limit, r.URL.Query().Get("level"))
	resp := models.LogsResponse{Logs: make([]models.LogEntry, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, models.LogEntry{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Level:     e.Level,
			Message:   e.Message,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
