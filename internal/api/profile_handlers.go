package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/profiles"
)

func profileError(w http.ResponseWriter, err error) {
	var ve *profiles.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, profiles.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ListProfiles handles GET /v1/profiles
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := h.profiles.List(r.Context())
	if err != nil {
		profileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": list})
}

// GetProfile handles GET /v1/profiles/{id}
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		profileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateProfile handles POST /v1/profiles
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var in profiles.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	p, err := h.profiles.Create(r.Context(), in)
	if err != nil {
		profileError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdateProfile handles PUT /v1/profiles/{id}
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in profiles.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	p, err := h.profiles.Update(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		profileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeleteProfile handles DELETE /v1/profiles/{id}
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.profiles.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		profileError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
