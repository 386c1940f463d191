package api

import (
	"net/http"

	"github.com/kuitang/notebook-sync/internal/notes"
)

// MoveRequest names the notebook a note moves to.
type MoveRequest struct {
	To string `json:"to"`
}

// ListNotes handles GET /notebooks/{notebook}/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook")
	if err := h.ownNotebook(r, notebookID); err != nil {
		writeError(w, err)
		return
	}
	list, err := h.svc.Notes.Load(r.Context(), notebookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateNote handles POST /notebooks/{notebook}/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook")
	var params notes.CreateParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	if err := h.ownNotebook(r, notebookID); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notes.Create(submitContext(r), UserKey(r), notebookID, params), http.StatusCreated)
}

// UpdateNote handles PATCH /notebooks/{notebook}/notes/{id}.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook")
	var params notes.UpdateParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	if err := h.ownNotebook(r, notebookID); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notes.Update(submitContext(r), notebookID, r.PathValue("id"), params), http.StatusOK)
}

// DeleteNote handles DELETE /notebooks/{notebook}/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook")
	if err := h.ownNotebook(r, notebookID); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notes.Delete(submitContext(r), notebookID, r.PathValue("id")), http.StatusNoContent)
}

// TogglePin handles POST /notebooks/{notebook}/notes/{id}/pin.
func (h *Handler) TogglePin(w http.ResponseWriter, r *http.Request) {
	notebookID := r.PathValue("notebook")
	if err := h.ownNotebook(r, notebookID); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notes.TogglePin(submitContext(r), notebookID, r.PathValue("id")), http.StatusOK)
}

// MoveNote handles POST /notebooks/{notebook}/notes/{id}/move. Both
// notebooks must belong to the caller.
func (h *Handler) MoveNote(w http.ResponseWriter, r *http.Request) {
	from := r.PathValue("notebook")
	var req MoveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	for _, id := range []string{from, req.To} {
		if err := h.ownNotebook(r, id); err != nil {
			writeError(w, err)
			return
		}
	}
	settle(w, r, h.svc.Notes.Move(submitContext(r), r.PathValue("id"), from, req.To), http.StatusOK)
}
