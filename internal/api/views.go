package api

import (
	"net/http"

	"github.com/kuitang/notebook-sync/internal/s3client"
)

// Search handles GET /search?q=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.svc.Search.Query(r.Context(), UserKey(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Stats.Load(r.Context(), UserKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ExportNotebook handles POST /notebooks/{id}/export.
func (h *Handler) ExportNotebook(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.svc.Exports.Export(r.Context(), UserKey(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// ListExports handles GET /exports.
func (h *Handler) ListExports(w http.ResponseWriter, r *http.Request) {
	objs, err := h.svc.Exports.List(r.Context(), UserKey(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if objs == nil {
		objs = []s3client.Object{}
	}
	writeJSON(w, http.StatusOK, objs)
}
