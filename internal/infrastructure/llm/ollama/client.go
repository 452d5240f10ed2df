package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// InvoiceExtractor asks the model for invoice fields as a JSON object.
type InvoiceExtractor struct {
	client *Client
}

func NewInvoiceExtractor(client *Client) *InvoiceExtractor {
	return &InvoiceExtractor{client: client}
}

func (e *InvoiceExtractor) ExtractInvoice(ctx context.Context, filename, text string) (domain.ExtractionResult, error) {
	resp, err := e.client.generateJSON(ctx, buildInvoicePrompt(filename, text))
	if err != nil {
		return domain.ExtractionResult{}, err
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Response)), &data); err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("parse invoice json: %w", err)
	}
	return domain.ExtractionResult{
		Data:       normalizeInvoice(data),
		TokensUsed: resp.PromptEvalCount + resp.EvalCount,
	}, nil
}

type generateResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (generateResponse, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
		},
	}

	resp, err := resilience.Do(ctx, c.executor, resilience.OpOllamaGenerate, func(callCtx context.Context) (generateResponse, error) {
		var out generateResponse
		err := c.call(callCtx, "/api/generate", "generate", reqBody, &out)
		return out, err
	}, classifyOllamaError)
	if err != nil {
		return generateResponse{}, wrapTemporaryIfNeeded("ollama generate", err)
	}
	resp.Response = strings.TrimSpace(resp.Response)
	return resp, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

var invoiceFields = []string{"vendor", "invoice_number", "invoice_date", "due_date", "total", "currency", "tax", "line_items"}

// normalizeInvoice keeps known fields and makes sure every key is present.
func normalizeInvoice(data map[string]any) map[string]any {
	out := make(map[string]any, len(invoiceFields))
	for _, field := range invoiceFields {
		out[field] = data[field]
	}
	if out["line_items"] == nil {
		out["line_items"] = []any{}
	}
	if s, ok := out["currency"].(string); ok {
		out["currency"] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
