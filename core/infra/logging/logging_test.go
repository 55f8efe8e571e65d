package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureOutput(t)
	Info("runner", "claimed run", "run_id", "r-1")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[RUNNER] claimed run") || !strings.Contains(got, "run_id=r-1") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv("PAGEPILOT_LOG_FORMAT", "json")

	buf := captureOutput(t)
	Error("gateway", "boom", "code", 500)
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got %q: %v", line, err)
	}
	if payload["level"] != "ERROR" || payload["component"] != "gateway" || payload["msg"] != "boom" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["code"] != float64(500) {
		t.Fatalf("expected code field, got %v", payload["code"])
	}
}

func TestDebugSuppressedByDefault(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	debugEnabled = false

	buf := captureOutput(t)
	Debug("guard", "claim detail", "call_id", "c-1")
	if got := strings.TrimSpace(buf.String()); got != "" {
		t.Fatalf("expected no debug output, got %q", got)
	}
}
