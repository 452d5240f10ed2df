package httpadapter

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

type sessionResponse struct {
	Session   *domain.Session   `json:"session"`
	Documents []domain.Document `json:"documents,omitempty"`
	Progress  float64           `json:"progress"`
}

func (rt *Router) listSessions(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := rt.svc.Sessions.List(r.Context(), user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (rt *Router) createSession(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ports.CreateSessionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := rt.svc.Sessions.Create(r.Context(), user, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session, Progress: session.Progress()})
}

func (rt *Router) getSession(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	session, docs, err := rt.svc.Sessions.Get(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Documents: docs, Progress: session.Progress()})
}

func (rt *Router) renameSession(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := rt.svc.Sessions.Rename(r.Context(), user, id, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Progress: session.Progress()})
}

func (rt *Router) enableSessionExtraction(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	session, err := rt.svc.Sessions.EnableExtraction(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Progress: session.Progress()})
}

// exportSession buffers the workbook so failures still map to JSON errors.
func (rt *Router) exportSession(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	filename, err := rt.svc.Exporter.Export(r.Context(), user, id, &buf)
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordExport(err)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (rt *Router) uploadSessionDocuments(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	rt.upload(w, r, user, id)
}

func (rt *Router) callerAndID(w http.ResponseWriter, r *http.Request) (domain.Identity, string, bool) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return domain.Identity{}, "", false
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return domain.Identity{}, "", false
	}
	return user, id, true
}
