package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerAddsServiceAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "sessiond", Environment: "test", Level: "debug", Output: &buf})
	log.Debug("hello", "user", "abc123")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "sessiond" || line["env"] != "test" || line["user"] != "abc123" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{ServiceName: "sessiond", Level: "warn", Output: &buf})
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}
