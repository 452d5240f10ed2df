// Package mcpadapter exposes inspection tools to MCP clients.
package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/invoice-inspector/internal/adapters/authctx"
	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

const serverName = "invoice-inspector"

type Tools struct {
	Sessions  ports.SessionService
	Documents ports.DocumentReader
	Lifecycle ports.ExtractionLifecycle
	Quota     ports.QuotaGuard
}

func NewServer(tools Tools, version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("get_session_progress",
		mcp.WithDescription("Progress and counters of one inspection session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), tools.sessionProgress)

	s.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("Caller's documents, newest first, optionally filtered by extraction status."),
		mcp.WithString("status", mcp.Enum("pending", "queued", "extracting", "extracted", "failed")),
		mcp.WithNumber("limit", mcp.Min(1), mcp.Max(200)),
	), tools.listDocuments)

	s.AddTool(mcp.NewTool("request_manual_extraction",
		mcp.WithDescription("Raise a document's priority and queue it for extraction."),
		mcp.WithString("document_id", mcp.Required(), mcp.Description("Document id")),
	), tools.requestManualExtraction)

	s.AddTool(mcp.NewTool("check_upload_quota",
		mcp.WithDescription("Whether the caller may upload the given number of files on the current plan."),
		mcp.WithNumber("incoming_files", mcp.Required(), mcp.Min(1)),
	), tools.checkUploadQuota)

	return s
}

// NewHTTPHandler serves s over streamable HTTP. The caller identity set by
// the HTTP auth middleware is carried into tool calls.
func NewHTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if profile, ok := authctx.Profile(r.Context()); ok {
				ctx = authctx.WithProfile(ctx, profile)
				ctx = logging.WithUserID(ctx, profile.ID)
			}
			if id := logging.RequestID(r.Context()); id != "" {
				ctx = logging.WithRequestID(ctx, id)
			}
			return ctx
		}),
	)
}

type sessionProgress struct {
	SessionID       string               `json:"session_id"`
	Name            string               `json:"name"`
	Status          domain.SessionStatus `json:"status"`
	TotalFiles      int                  `json:"total_files"`
	ProcessedFiles  int                  `json:"processed_files"`
	FailedFiles     int                  `json:"failed_files"`
	Progress        float64              `json:"progress"`
	TotalTokensUsed int                  `json:"total_tokens_used"`
}

func (t Tools) sessionProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := authctx.Identity(ctx)
	if !ok {
		return unauthorized(), nil
	}
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	session, _, err := t.Sessions.Get(ctx, user, id)
	if err != nil {
		return toolError(ctx, "get_session_progress", err)
	}
	return jsonResult(sessionProgress{
		SessionID:       session.ID,
		Name:            session.Name,
		Status:          session.Status,
		TotalFiles:      session.TotalFiles,
		ProcessedFiles:  session.ProcessedFiles,
		FailedFiles:     session.FailedFiles,
		Progress:        session.Progress(),
		TotalTokensUsed: session.TotalTokensUsed,
	})
}

func (t Tools) listDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := authctx.Identity(ctx)
	if !ok {
		return unauthorized(), nil
	}
	status := domain.ExtractionStatus(req.GetString("status", ""))
	limit := req.GetInt("limit", 0)

	docs, err := t.Documents.ListDocuments(ctx, user, status, limit)
	if err != nil {
		return toolError(ctx, "list_documents", err)
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return jsonResult(map[string]any{"documents": docs, "count": len(docs)})
}

func (t Tools) requestManualExtraction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := authctx.Identity(ctx)
	if !ok {
		return unauthorized(), nil
	}
	id, err := req.RequireString("document_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	doc, err := t.Lifecycle.RequestManual(ctx, user, id)
	if err != nil {
		return toolError(ctx, "request_manual_extraction", err)
	}
	return jsonResult(doc)
}

func (t Tools) checkUploadQuota(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, ok := authctx.Identity(ctx)
	if !ok {
		return unauthorized(), nil
	}
	incoming, err := req.RequireInt("incoming_files")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	decision, err := t.Quota.CanUpload(ctx, user, incoming)
	if err != nil && !domain.IsKind(err, domain.ErrQuotaExceeded) {
		return toolError(ctx, "check_upload_quota", err)
	}
	return jsonResult(decision)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// toolError reports user-facing failures as tool errors and keeps Go errors
// for faults the client cannot act on.
func toolError(ctx context.Context, tool string, err error) (*mcp.CallToolResult, error) {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput),
		domain.IsKind(err, domain.ErrDocumentNotFound),
		domain.IsKind(err, domain.ErrSessionNotFound),
		domain.IsKind(err, domain.ErrInvalidState),
		domain.IsKind(err, domain.ErrQuotaExceeded),
		domain.IsKind(err, domain.ErrAttemptsExceeded),
		domain.IsKind(err, domain.ErrConflict):
		return mcp.NewToolResultError(err.Error()), nil
	}
	logging.FromContext(ctx).Error("mcp_tool_failed", "tool", tool, "error", err)
	return nil, errors.New(tool + " failed")
}

func unauthorized() *mcp.CallToolResult {
	return mcp.NewToolResultError("unauthorized")
}
