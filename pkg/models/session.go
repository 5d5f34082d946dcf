// Package models holds the request and response bodies of the HTTP API.
package models

import "time"

type StartResponse struct {
	Status string `json:"status"`
}

type StopResponse struct {
	Status string `json:"status"`
}

type RestartResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type StateResponse struct {
	State       string `json:"state"`
	QRAvailable bool   `json:"qr_available"`
	LastError   string `json:"last_error,omitempty"`
}

type RefreshResponse struct {
	Status string `json:"status"`
}

// QRUnavailableResponse is returned by GET /v1/session/qr when there is no image to serve.
type QRUnavailableResponse struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

type DebugURLResponse struct {
	DebuggerURL string `json:"debugger_url"`
	SessionID   string `json:"session_id"`
}

type ContactsResponse struct {
	Contacts []string `json:"contacts"`
	Count    int      `json:"count"`
}

type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	SessionState  string    `json:"session_state"`
	QRAvailable   bool      `json:"qr_available"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
