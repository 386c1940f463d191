package api

import (
	"net/http"

	"github.com/kuitang/notebook-sync/internal/entity"
	"github.com/kuitang/notebook-sync/internal/errs"
	"github.com/kuitang/notebook-sync/internal/notebooks"
)

// ReorderRequest lists every id of a list in its new order.
type ReorderRequest struct {
	IDs []string `json:"ids"`
}

// ListNotebooks handles GET /notebooks.
func (h *Handler) ListNotebooks(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Notebooks.Load(r.Context(), UserKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateNotebook handles POST /notebooks.
func (h *Handler) CreateNotebook(w http.ResponseWriter, r *http.Request) {
	var params notebooks.CreateParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notebooks.Create(submitContext(r), UserKey(r), params), http.StatusCreated)
}

// UpdateNotebook handles PATCH /notebooks/{id}.
func (h *Handler) UpdateNotebook(w http.ResponseWriter, r *http.Request) {
	var params notebooks.UpdateParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notebooks.Update(submitContext(r), UserKey(r), r.PathValue("id"), params), http.StatusOK)
}

// DeleteNotebook handles DELETE /notebooks/{id}.
func (h *Handler) DeleteNotebook(w http.ResponseWriter, r *http.Request) {
	settle(w, r, h.svc.Notebooks.Delete(submitContext(r), UserKey(r), r.PathValue("id")), http.StatusNoContent)
}

// ReorderNotebooks handles POST /notebooks/reorder.
func (h *Handler) ReorderNotebooks(w http.ResponseWriter, r *http.Request) {
	var req ReorderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	settle(w, r, h.svc.Notebooks.Reorder(submitContext(r), UserKey(r), req.IDs), http.StatusNoContent)
}

// ownNotebook loads the user's notebooks and reports whether id is one of
// them. Note routes are scoped by notebook, so this is their access check.
func (h *Handler) ownNotebook(r *http.Request, id string) error {
	list, err := h.svc.Notebooks.Load(r.Context(), UserKey(r))
	if err != nil {
		return err
	}
	for _, nb := range list {
		if entity.SameRecord(nb.ID, id) {
			return nil
		}
	}
	return errs.New(errs.NotFound, "notebook not found")
}
