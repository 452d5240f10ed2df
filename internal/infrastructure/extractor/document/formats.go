package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

func extractPDF(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// unreadable pages are skipped
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errNoText
	}
	return b.String(), nil
}

// extractXLSX renders every sheet as tab-separated rows.
func extractXLSX(raw []byte) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()

	var b strings.Builder
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "# %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errNoText
	}
	return b.String(), nil
}

type wordBody struct {
	Paragraphs []struct {
		Runs []struct {
			Text string `xml:"t"`
		} `xml:"r"`
	} `xml:"body>p"`
}

func extractDOCX(raw []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read document.xml: %w", err)
		}

		var body wordBody
		if err := xml.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		var b strings.Builder
		for _, p := range body.Paragraphs {
			for _, r := range p.Runs {
				b.WriteString(r.Text)
			}
			b.WriteString("\n")
		}
		if strings.TrimSpace(b.String()) == "" {
			return "", errNoText
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("document.xml not found in docx")
}

// extractText accepts UTF-8 (with or without BOM), UTF-16 with BOM, and
// falls back to Windows-1252 for legacy exports.
func extractText(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errNoText
	}

	var text string
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		text = string(raw[3:])
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}), bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		decoded, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder(), raw)
		if err != nil {
			return "", fmt.Errorf("decode utf-16: %w", err)
		}
		text = string(decoded)
	case utf8.Valid(raw):
		if looksBinary(raw) {
			return "", fmt.Errorf("unsupported binary format")
		}
		text = string(raw)
	default:
		if looksBinary(raw) {
			return "", fmt.Errorf("unsupported binary format")
		}
		decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), raw)
		if err != nil {
			return "", fmt.Errorf("decode windows-1252: %w", err)
		}
		text = string(decoded)
	}

	if strings.TrimSpace(text) == "" {
		return "", errNoText
	}
	return text, nil
}

// looksBinary samples the head of the file for control bytes.
func looksBinary(raw []byte) bool {
	sample := raw
	if len(sample) > 512 {
		sample = sample[:512]
	}
	control := 0
	for _, b := range sample {
		if b < 32 && b != '\t' && b != '\n' && b != '\r' && b != '\f' {
			control++
		}
	}
	return float64(control)/float64(len(sample)) > 0.1
}
