package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"grantway.org/internal/actor"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = actor.ContextWithActor(ctx, actor.Actor{
		UID:  "user-42",
		Role: entitlement.RoleCoach,
	})

	if err := LogEvent(ctx, "fulfillment.direct", map[string]any{"event_id": "evt_1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "fulfillment.direct" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["uid"] != "user-42" {
		t.Fatalf("unexpected uid: %v", entry["uid"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["event_id"] != "evt_1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
