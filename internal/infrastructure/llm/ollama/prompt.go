package ollama

import "unicode/utf8"

const maxPromptText = 12000

func buildInvoicePrompt(filename, text string) string {
	snippet := text
	if len(snippet) > maxPromptText {
		snippet = snippet[:maxPromptText]
		for !utf8.ValidString(snippet) {
			snippet = snippet[:len(snippet)-1]
		}
	}

	return `You extract structured data from invoices.
Return strict JSON object with keys:
vendor (string), invoice_number (string), invoice_date (YYYY-MM-DD string), due_date (YYYY-MM-DD string or null),
total (number), currency (ISO 4217 code), tax (number or null),
line_items (array of objects with description (string), quantity (number), amount (number)).
Use null for fields that are not present. No markdown, no extra keys.

File: ` + filename + `

Document:
` + snippet
}
