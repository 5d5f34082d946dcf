package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/metrics"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/ratelimit"
)

// DebugProxy serves the browser's devtools socket.
type DebugProxy interface {
	HandleDebugConnection(w http.ResponseWriter, r *http.Request)
}

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer DebugProxy, rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle
	api.HandleFunc("/session/start", h.StartSession).Methods("POST", "OPTIONS")
	api.HandleFunc("/session/stop", h.StopSession).Methods("POST", "OPTIONS")
	api.HandleFunc("/session/restart", h.RestartSession).Methods("POST", "OPTIONS")
	api.HandleFunc("/session/state", h.GetState).Methods("GET")
	api.HandleFunc("/session/qr", h.GetQR).Methods("GET")
	api.HandleFunc("/session/qr/refresh", h.RefreshQR).Methods("POST", "OPTIONS")

	// Debug endpoints
	api.HandleFunc("/session/debug", h.GetDebugInfo).Methods("GET")
	api.HandleFunc("/session/debug/url", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/session/debug/artifacts", h.GetArtifacts).Methods("GET")
	api.HandleFunc("/session/ws", proxyServer.HandleDebugConnection).Methods("GET")

	api.HandleFunc("/contacts", h.GetContacts).Methods("GET")

	// Sending is rate limited per client
	send := api.PathPrefix("/send").Subrouter()
	send.Use(RateLimitMiddleware(rateLimiter))
	send.HandleFunc("", h.Send).Methods("POST", "OPTIONS")

	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")

	api.HandleFunc("/profiles", h.ListProfiles).Methods("GET")
	api.HandleFunc("/profiles", h.CreateProfile).Methods("POST", "OPTIONS")
	api.HandleFunc("/profiles/{id}", h.GetProfile).Methods("GET")
	api.HandleFunc("/profiles/{id}", h.UpdateProfile).Methods("PUT", "OPTIONS")
	api.HandleFunc("/profiles/{id}", h.DeleteProfile).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/logs", h.GetLogs).Methods("GET")

	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(Observability)

	return r
}
