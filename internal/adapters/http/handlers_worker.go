package httpadapter

import (
	"net/http"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

// Remote extraction workers drive the document state machine through these
// endpoints with the shared worker key.

func (rt *Router) workerStart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.svc.Lifecycle.Start(r.Context(), id, req.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) workerComplete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req domain.ExtractionResult
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.svc.Lifecycle.Complete(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) workerFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.svc.Lifecycle.Fail(r.Context(), id, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
