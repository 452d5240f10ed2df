package xlsx

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

const (
	documentsSheet = "Documents"
	summarySheet   = "Summary"
)

var documentHeader = []any{
	"Filename", "Extraction status", "Vendor", "Invoice number", "Invoice date",
	"Total", "Currency", "Tokens used", "Attempts", "Error", "Uploaded at",
}

// Renderer writes a session report as an xlsx workbook.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

func (r *Renderer) FileExtension() string {
	return "xlsx"
}

func (r *Renderer) RenderSession(w io.Writer, session *domain.Session, docs []domain.Document) error {
	book := excelize.NewFile()
	defer book.Close()

	if err := book.SetSheetName("Sheet1", documentsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeDocuments(book, docs); err != nil {
		return err
	}
	if _, err := book.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	if err := writeSummary(book, session); err != nil {
		return err
	}

	if _, err := book.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeDocuments(book *excelize.File, docs []domain.Document) error {
	if err := book.SetSheetRow(documentsSheet, "A1", &documentHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	bold, err := book.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = book.SetRowStyle(documentsSheet, 1, 1, bold)
	}

	for i := range docs {
		doc := &docs[i]
		row := []any{
			doc.Filename,
			string(doc.ExtractionStatus),
			field(doc.ExtractedData, "vendor"),
			field(doc.ExtractedData, "invoice_number"),
			field(doc.ExtractedData, "invoice_date"),
			field(doc.ExtractedData, "total"),
			field(doc.ExtractedData, "currency"),
			doc.TokensUsed,
			doc.ExtractionAttempts,
			doc.ExtractionError,
			doc.CreatedAt.UTC().Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := book.SetSheetRow(documentsSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	return book.SetColWidth(documentsSheet, "A", "A", 40)
}

func writeSummary(book *excelize.File, session *domain.Session) error {
	rows := [][]any{
		{"Session", session.Name},
		{"Status", string(session.Status)},
		{"Total files", session.TotalFiles},
		{"Processed files", session.ProcessedFiles},
		{"Failed files", session.FailedFiles},
		{"Progress", session.Progress()},
		{"Tokens used", session.TotalTokensUsed},
	}
	for i, row := range rows {
		if err := book.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}

func field(data map[string]any, key string) any {
	if data == nil {
		return ""
	}
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	return v
}
