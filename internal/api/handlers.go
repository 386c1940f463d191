// Package api serves the entity stores over a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/executor"
	"github.com/kuitang/notebook-sync/internal/export"
	"github.com/kuitang/notebook-sync/internal/notebooks"
	"github.com/kuitang/notebook-sync/internal/notes"
	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/search"
	"github.com/kuitang/notebook-sync/internal/stats"
)

// UserHeader carries the authenticated user id, set by the fronting
// authentication proxy.
const UserHeader = "X-User-Id"

// maxBodyBytes bounds request bodies. The largest field is note content.
const maxBodyBytes = 1 << 20

// Services are the stores the API serves. Exports may be nil, which
// disables the export routes.
type Services struct {
	Notebooks *notebooks.Store
	Notes     *notes.Store
	Items     *checklist.ItemStore
	Subtasks  *checklist.SubtaskStore
	Search    *search.Index
	Stats     *stats.Service
	Exports   *export.Exporter
}

// Handler serves the JSON API.
type Handler struct {
	svc Services
}

// NewHandler creates a new API handler over svc.
func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /notebooks", h.ListNotebooks)
	mux.HandleFunc("POST /notebooks", h.CreateNotebook)
	mux.HandleFunc("POST /notebooks/reorder", h.ReorderNotebooks)
	mux.HandleFunc("PATCH /notebooks/{id}", h.UpdateNotebook)
	mux.HandleFunc("DELETE /notebooks/{id}", h.DeleteNotebook)

	mux.HandleFunc("GET /notebooks/{notebook}/notes", h.ListNotes)
	mux.HandleFunc("POST /notebooks/{notebook}/notes", h.CreateNote)
	mux.HandleFunc("PATCH /notebooks/{notebook}/notes/{id}", h.UpdateNote)
	mux.HandleFunc("DELETE /notebooks/{notebook}/notes/{id}", h.DeleteNote)
	mux.HandleFunc("POST /notebooks/{notebook}/notes/{id}/pin", h.TogglePin)
	mux.HandleFunc("POST /notebooks/{notebook}/notes/{id}/move", h.MoveNote)

	registerList[checklist.Item](mux, "/notes/{parent}/items", h.svc.Items)
	registerList[checklist.Subtask](mux, "/items/{parent}/subtasks", h.svc.Subtasks)

	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("GET /stats", h.Stats)

	if h.svc.Exports != nil {
		mux.HandleFunc("POST /notebooks/{id}/export", h.ExportNotebook)
		mux.HandleFunc("GET /exports", h.ListExports)
	}
}

// RequireUser rejects requests without a user id header and records the
// user on the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserKey(r)
		if userID == "" {
			writeError(w, errs.New(errs.Unauthenticated, "missing "+UserHeader+" header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(obs.WithUserID(r.Context(), userID)))
	})
}

// UserKey returns the request's user id. It is also the rate limit key.
func UserKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code"`
}

// AcceptedResponse is returned for ?async=true writes.
type AcceptedResponse struct {
	MutationID string `json:"mutation_id"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err to its status and user-facing message.
func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, errs.HTTPStatus(code), ErrorResponse{Error: errs.FriendlyMessage(err), Code: code})
}

// decode reads a JSON body into dst, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Invalid("Request body is required")
		}
		return errs.Invalid("Invalid JSON: " + err.Error())
	}
	return nil
}

// submitContext detaches a mutation from the request so it still commits
// after the client disconnects. Correlation values are kept.
func submitContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// settle answers a write. With ?async=true it returns 202 as soon as the
// mutation is speculated; otherwise it waits for the commit and writes the
// committed record with status.
func settle(w http.ResponseWriter, r *http.Request, p *executor.Pending, status int) {
	if p.MutationID != "" {
		w.Header().Set(obs.MutationIDHeader, p.MutationID)
	}
	if r.URL.Query().Get("async") == "true" {
		if err := p.Err(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, AcceptedResponse{MutationID: p.MutationID})
		return
	}
	if err := p.Wait(r.Context()); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		writeError(w, err)
		return
	}
	result := p.Result()
	if result == nil || status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, status, result)
}
