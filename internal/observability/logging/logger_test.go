package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContextAddsRequestAttributes(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(newJSONLogger(&buf, "api", "info"))
	defer slog.SetDefault(previous)

	ctx := WithUserID(WithRequestID(context.Background(), "req-1"), "user-1")
	FromContext(ctx).Info("document_uploaded")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["request_id"] != "req-1" || entry["user_id"] != "user-1" || entry["service"] != "api" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}
