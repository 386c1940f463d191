package api

import (
	"context"
	"net/http"

	"github.com/kuitang/notebook-sync/internal/checklist"
	"github.com/kuitang/notebook-sync/internal/executor"
)

// CreateRowRequest is the body for a new checklist row.
type CreateRowRequest struct {
	Text string `json:"text"`
}

// rowStore is the API surface shared by checklist items and subtasks.
type rowStore[T any] interface {
	Owns(ctx context.Context, userID, parent string) error
	Load(ctx context.Context, parent string) ([]T, error)
	Progress(parent string) checklist.Progress
	Create(ctx context.Context, userID, parent, text string) *executor.Pending
	Update(ctx context.Context, parent, id string, p checklist.UpdateParams) *executor.Pending
	Toggle(ctx context.Context, parent, id string) *executor.Pending
	Delete(ctx context.Context, parent, id string) *executor.Pending
	Reorder(ctx context.Context, parent string, ids []string) *executor.Pending
}

// ListResponse is a checklist with its progress.
type ListResponse[T any] struct {
	Rows     []T                `json:"rows"`
	Progress checklist.Progress `json:"progress"`
}

// registerList mounts the checklist routes for one row type under base,
// whose {parent} segment names the owning note or item. Every route first
// checks that the parent belongs to the caller.
func registerList[T any](mux *http.ServeMux, base string, s rowStore[T]) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if err := s.Owns(r.Context(), UserKey(r), r.PathValue("parent")); err != nil {
				writeError(w, err)
				return
			}
			fn(w, r)
		})
	}

	handle("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		parent := r.PathValue("parent")
		rows, err := s.Load(r.Context(), parent)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse[T]{Rows: rows, Progress: s.Progress(parent)})
	})
	handle("POST "+base, func(w http.ResponseWriter, r *http.Request) {
		var req CreateRowRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		settle(w, r, s.Create(submitContext(r), UserKey(r), r.PathValue("parent"), req.Text), http.StatusCreated)
	})
	handle("POST "+base+"/reorder", func(w http.ResponseWriter, r *http.Request) {
		var req ReorderRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		settle(w, r, s.Reorder(submitContext(r), r.PathValue("parent"), req.IDs), http.StatusNoContent)
	})
	handle("PATCH "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		var params checklist.UpdateParams
		if err := decode(r, &params); err != nil {
			writeError(w, err)
			return
		}
		settle(w, r, s.Update(submitContext(r), r.PathValue("parent"), r.PathValue("id"), params), http.StatusOK)
	})
	handle("POST "+base+"/{id}/toggle", func(w http.ResponseWriter, r *http.Request) {
		settle(w, r, s.Toggle(submitContext(r), r.PathValue("parent"), r.PathValue("id")), http.StatusOK)
	})
	handle("DELETE "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		settle(w, r, s.Delete(submitContext(r), r.PathValue("parent"), r.PathValue("id")), http.StatusNoContent)
	})
}
