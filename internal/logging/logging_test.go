package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)
	logger.Debug("claimed job", "jobId", "job-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["jobId"] != "job-1" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "text", &buf)
	logger.Info("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn message missing: %q", out)
	}
}
