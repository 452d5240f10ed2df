package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

const defaultMaxBytes = 32 << 20

type format string

const (
	formatPDF  format = "pdf"
	formatXLSX format = "xlsx"
	formatDOCX format = "docx"
	formatText format = "text"
)

// Extractor reads a stored source file and returns its plain text.
type Extractor struct {
	storage  ports.ObjectStorage
	maxBytes int64
}

func NewExtractor(storage ports.ObjectStorage, maxBytes int64) *Extractor {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Extractor{storage: storage, maxBytes: maxBytes}
}

func (e *Extractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	reader, err := e.storage.Open(ctx, doc.StorageKey)
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		return "", domain.WrapError(domain.ErrInvalidInput, "open source document", err)
	}
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "open source document", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(io.LimitReader(reader, e.maxBytes+1))
	if err != nil {
		return "", domain.WrapError(domain.ErrTemporary, "read source document", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return "", domain.WrapError(domain.ErrInvalidInput, "read source document", fmt.Errorf("%s exceeds %d bytes", doc.Filename, e.maxBytes))
	}

	var text string
	switch detectFormat(doc.Filename, doc.MimeType, raw) {
	case formatPDF:
		text, err = extractPDF(raw)
	case formatXLSX:
		text, err = extractXLSX(raw)
	case formatDOCX:
		text, err = extractDOCX(raw)
	default:
		text, err = extractText(raw)
	}
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", fmt.Errorf("%s: %w", doc.Filename, err))
	}
	return cleanText(text), nil
}

func detectFormat(filename, mimeType string, raw []byte) format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return formatPDF
	case ".xlsx", ".xlsm":
		return formatXLSX
	case ".docx":
		return formatDOCX
	}
	switch {
	case mimeType == "application/pdf":
		return formatPDF
	case strings.Contains(mimeType, "spreadsheetml"):
		return formatXLSX
	case strings.Contains(mimeType, "wordprocessingml"):
		return formatDOCX
	}
	if bytes.HasPrefix(raw, []byte("%PDF-")) {
		return formatPDF
	}
	return formatText
}

var errNoText = errors.New("no text could be extracted")

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\x00", "")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
