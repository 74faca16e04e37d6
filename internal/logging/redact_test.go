package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestShouldRedactKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "user_data", want: true},
		{key: "Nodes_Table", want: true},
		{key: "authorization", want: true},
		{key: "admin_token", want: true},
		{key: "aws_secret_key", want: true},
		{key: "AWSCredentials", want: true},
		{key: "client_id", want: false},
		{key: "token", want: false},
		{key: "lease_key", want: false},
		{key: "url", want: false},
	}

	for _, tt := range tests {
		if got := shouldRedactKey(tt.key); got != tt.want {
			t.Fatalf("expected shouldRedactKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestRedactAttrGroups(t *testing.T) {
	attr := slog.Group("machine", slog.String("user_data", "secret"), slog.String("client_id", "i-123"))
	redacted := redactAttr(attr)

	group := redacted.Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}

	if group[0].Value.String() != redactedValue {
		t.Fatalf("expected user_data to be redacted, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "i-123" {
		t.Fatalf("expected client_id to stay, got %q", group[1].Value.String())
	}
}

func TestRedactingHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newRedactingHandler(slog.NewJSONHandler(&buf, nil))).With("admin_token", "hunter2")
	logger.Info("Started run", "token_count", 3, "url", "http://a")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["admin_token"] != redactedValue {
		t.Fatalf("expected admin_token redacted, got %v", record["admin_token"])
	}
	if record["url"] != "http://a" {
		t.Fatalf("expected url preserved, got %v", record["url"])
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("DEBUG") != slog.LevelDebug || parseLevel("") != slog.LevelInfo || parseLevel("warn") != slog.LevelWarn {
		t.Fatal("unexpected level parsing")
	}
}
