package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newBufferLogger(t *testing.T, level LogLevel) (*Logger, *bytes.Buffer) {
	t.Helper()
	l, err := NewLogger("session", level, "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	var buf bytes.Buffer
	l.output = &buf
	return l, &buf
}

func TestLoggerEmitsStructuredJSON(t *testing.T) {
	l, buf := newBufferLogger(t, DEBUG)

	l.Info("session established", Fields{"gateway": "gw1"})

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v, got %q", err, buf.String())
	}
	if entry.Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Message != "session established" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Component != "session" {
		t.Errorf("Component = %q, want session", entry.Component)
	}
	if entry.Fields["gateway"] != "gw1" {
		t.Errorf("Fields[gateway] = %v, want gw1", entry.Fields["gateway"])
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	l, buf := newBufferLogger(t, WARN)

	l.Info("should not appear")
	l.Warn("should appear")

	if buf.Len() == 0 {
		t.Fatal("expected at least one log line")
	}
	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Message != "should appear" {
		t.Errorf("only the WARN entry should have been emitted, got %q", entry.Message)
	}
}

func TestLoggerWithFieldsMergesGlobalAndLocal(t *testing.T) {
	l, buf := newBufferLogger(t, DEBUG)
	l.WithField("gateway_address", "gw-abc")

	l.Error("handshake failed", Fields{"cause": "timeout"})

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["gateway_address"] != "gw-abc" {
		t.Errorf("missing global field, got %+v", entry.Fields)
	}
	if entry.Fields["cause"] != "timeout" {
		t.Errorf("missing local field, got %+v", entry.Fields)
	}
	if entry.StackTrace == "" {
		t.Error("expected a stack trace on an ERROR entry")
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")
	l, err := NewLogger("gateway", INFO, path)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer l.Close()

	l.Info("connection manager started")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain data")
	}
}
