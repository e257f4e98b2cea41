package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerRenamesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, Options{Service: "floorescrow", Env: "test", Level: "debug"})
	logger.Debug("hello", slog.String("escrow_id", "0x01"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "hello" || line["severity"] != "DEBUG" {
		t.Fatalf("unexpected keys: %v", line)
	}
	if line["service"] != "floorescrow" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}

func TestStdlibBridge(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, Options{Service: "bridge"})
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	log.Printf("legacy %d", 7)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode bridged line: %v", err)
	}
	if line["message"] != "legacy 7" {
		t.Fatalf("unexpected bridged message: %v", line)
	}
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.log")
	logger, closer := Setup(Options{Service: "file", File: path})
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
	logger.Info("to disk")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("to disk")) {
		t.Fatalf("log file missing line: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
