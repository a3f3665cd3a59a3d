package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithUserIDTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base)
	ctx = WithUserID(ctx, "user-1")

	if got := UserIDFromContext(ctx); got != "user-1" {
		t.Fatalf("expected user-1 got %q", got)
	}

	FromContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["user_id"] != "user-1" {
		t.Fatalf("expected user_id attribute, got %v", entry)
	}
}

func TestStartSpanNestsTrace(t *testing.T) {
	ctx, parent := StartSpan(context.Background(), "outer")
	traceID := TraceIDFromContext(ctx)
	parentSpan := SpanIDFromContext(ctx)
	if traceID == "" || parentSpan == "" {
		t.Fatal("expected trace and span ids")
	}

	child, span := StartSpan(ctx, "inner", slog.String("job_id", "job-1"))
	if TraceIDFromContext(child) != traceID {
		t.Fatal("expected child to share the trace id")
	}
	if SpanIDFromContext(child) == parentSpan {
		t.Fatal("expected a fresh span id for the child")
	}
	span.End("state", "completed")
	parent.End()

	var nilSpan *Span
	nilSpan.End()
}

func TestNewParsesLevels(t *testing.T) {
	if !New("debug").Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug to be enabled")
	}
	if New("bogus").Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected unknown level to default to info")
	}
}
