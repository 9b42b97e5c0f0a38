package apikey

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the admin key-management operations over HTTP. It is
// mounted under /admin/keys behind the admin master-key check.
type Handler struct {
	svc *Service
}

// NewHandler creates a Handler backed by svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers the admin key routes onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/keys", h.list)
	r.Post("/keys", h.create)
	r.Patch("/keys/{hash}", h.update)
	r.Delete("/keys/{hash}", h.revoke)
	r.Get("/keys/{hash}/usage", h.usage)
}

type createRequest struct {
	Name       string            `json:"name"`
	RateLimits RateLimits        `json:"rate_limits"`
	Metadata   map[string]string `json:"metadata"`
}

type createResponse struct {
	APIKey string `json:"api_key"`
	Record *Record `json:"record"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}

	full, rec, err := h.svc.Create(r.Context(), req.Name, req.RateLimits, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{APIKey: full, Record: rec})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.List(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type updateRequest struct {
	Name       *string     `json:"name,omitempty"`
	Enabled    *bool       `json:"enabled,omitempty"`
	RateLimits *RateLimits `json:"rate_limits,omitempty"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	err := h.svc.Update(r.Context(), hash, UpdateParams{
		Enabled:    req.Enabled,
		RateLimits: req.RateLimits,
		Name:       req.Name,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, false)
	case errors.Is(err, ErrImmutable):
		writeJSON(w, http.StatusForbidden, false)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to update key")
	default:
		writeJSON(w, http.StatusOK, true)
	}
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	ok, err := h.svc.Revoke(r.Context(), hash)
	switch {
	case errors.Is(err, ErrImmutable):
		writeJSON(w, http.StatusForbidden, false)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to revoke key")
	case !ok:
		writeJSON(w, http.StatusNotFound, false)
	default:
		writeJSON(w, http.StatusOK, true)
	}
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	rec, err := h.svc.Get(r.Context(), hash)
	if err != nil || rec == nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	windows, err := h.svc.RateLimitStatus(r.Context(), rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
