package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/jobs"
	"github.com/shehryarbajwa/webchat-dispatcher/pkg/models"
)

// GetContacts handles GET /v1/contacts
func (h *Handler) GetContacts(w http.ResponseWriter, r *http.Request) {
	target, err := h.sessions.ConnectedTarget(r.Context())
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}

	names, err := h.contacts.Contacts(r.Context(), target)
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.ContactsResponse{Contacts: names, Count: len(names)})
}

// Send handles POST /v1/send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id, err := h.jobs.Submit(r.Context(), req.Contacts, req.Message)
	if errors.Is(err, jobs.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, models.SendResponse{JobID: id, Status: string(jobs.StatusQueued)})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}
