package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestJSONLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "delivery"))
	log.Error("queue write failed", String("user_id", "u1"), Int("attempts", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if rec["level"] != "error" {
		t.Fatalf("level = %v, want error", rec["level"])
	}
	if rec["comp"] != "delivery" || rec["user_id"] != "u1" {
		t.Fatalf("fields = %v, want comp and user_id", rec)
	}
	if rec["err"] != "boom" {
		t.Fatalf("err = %v, want boom", rec["err"])
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go:N", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("Enabled(info) = true, want false")
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn not written: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("IsZero() = false for zero value")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop().IsZero() = true, want false")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifyd.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("first")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("suppressed")
	log.Error("second")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "first") || !strings.Contains(out, "second") {
		t.Fatalf("log file = %q, want first and second", out)
	}
	if strings.Contains(out, "suppressed") {
		t.Fatalf("log file contains message below level: %q", out)
	}
}
