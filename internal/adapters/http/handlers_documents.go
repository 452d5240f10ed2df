package httpadapter

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

const multipartMemory = 8 << 20

func (rt *Router) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.upload(w, r, user, "")
}

// upload accepts one or more multipart "files" (or a single "file") parts.
// Without a path session, an optional session_id form field is honoured.
func (rt *Router) upload(w http.ResponseWriter, r *http.Request, user domain.Identity, sessionID string) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeError(w, r, err)
			return
		}
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "parse multipart form", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	if sessionID == "" {
		sessionID = strings.TrimSpace(r.FormValue("session_id"))
	}
	headers := append(append([]*multipart.FileHeader{}, r.MultipartForm.File["files"]...), r.MultipartForm.File["file"]...)
	if len(headers) == 0 {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("multipart field 'files' is required")))
		return
	}

	files := make([]ports.UploadFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "open upload part", fmt.Errorf("%s: %w", header.Filename, err)))
			return
		}
		defer f.Close()
		files = append(files, ports.UploadFile{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        header.Size,
			Body:        f,
		})
	}

	docs, err := rt.svc.Uploader.Upload(r.Context(), user, sessionID, files)
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordUpload(len(files), err)
		var denial *domain.QuotaDenial
		if errors.As(err, &denial) {
			rt.opts.Metrics.RecordQuotaDenial(denial.Decision.Resource, string(denial.Decision.Plan))
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"documents": docs})
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	user, err := callerIdentity(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params, err := bindListDocumentsParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var status domain.ExtractionStatus
	if params.Status != nil {
		status = domain.ExtractionStatus(*params.Status)
	}
	limit := 0
	if params.Limit != nil {
		limit = *params.Limit
	}

	docs, err := rt.svc.Documents.ListDocuments(r.Context(), user, status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	doc, err := rt.svc.Documents.GetDocument(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) requestManualExtraction(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	doc, err := rt.svc.Lifecycle.RequestManual(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) cancelExtraction(w http.ResponseWriter, r *http.Request) {
	user, id, ok := rt.callerAndID(w, r)
	if !ok {
		return
	}
	doc, err := rt.svc.Lifecycle.Cancel(r.Context(), user, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
