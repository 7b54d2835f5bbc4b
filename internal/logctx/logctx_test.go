package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_EnrichesFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithTransportData(context.Background(), &TransportData{Kind: "stdio", Target: "cat"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "sess", LastEventID: "5"})
	ctx = WithRPCMessage(ctx, &RPCMessage{Method: "ping", ID: "1", Type: "request"})

	logger.InfoContext(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Failed to decode log record: %v", err)
	}

	tr, ok := record["transport"].(map[string]any)
	if !ok || tr["kind"] != "stdio" || tr["target"] != "cat" {
		t.Fatalf("Expected transport group, got %v", record["transport"])
	}
	sess, ok := record["sess"].(map[string]any)
	if !ok || sess["id"] != "sess" || sess["last_event_id"] != "5" {
		t.Fatalf("Expected sess group, got %v", record["sess"])
	}
	rpc, ok := record["rpc"].(map[string]any)
	if !ok || rpc["method"] != "ping" {
		t.Fatalf("Expected rpc group, got %v", record["rpc"])
	}
}

func TestHandler_BareContextPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	logger.Info("plain")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Failed to decode log record: %v", err)
	}
	if _, ok := record["transport"]; ok {
		t.Fatal("Expected no transport group without context data")
	}
	if record["msg"] != "plain" {
		t.Fatalf("Expected message to pass through, got %v", record["msg"])
	}
}
