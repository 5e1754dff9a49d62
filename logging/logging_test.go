package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Fatalf("expected debug level")
	}
	if ParseLevel(" WARN ") != zerolog.WarnLevel {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("") != zerolog.InfoLevel || ParseLevel("loud") != zerolog.InfoLevel {
		t.Fatalf("expected unknown levels to fall back to info")
	}
}

func TestComponentLoggerTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New(Options{Level: "info", Writer: &buf}), "realtime")

	logger.Debug().Msg("dropped")
	logger.Info().Str("room", "u1_u2").Msg("joined")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line failed: %v (%q)", err, buf.String())
	}
	if entry["component"] != "realtime" || entry["room"] != "u1_u2" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}
