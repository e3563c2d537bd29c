package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelDebug))

	log.Info("claim created", "digest", "00ff")

	line := buf.String()
	if !strings.Contains(line, "[INF] claim created digest=00ff") {
		t.Errorf("unexpected line: %q", line)
	}

	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end with newline")
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	h := NewHandler(&buf, slog.LevelWarn)
	log := slog.New(h)

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("records below level were written: %q", buf.String())
	}

	if !strings.Contains(buf.String(), "[WRN] shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(&buf, slog.LevelInfo)).With("component", "dispatch")

	log.Info("applied", "nonce", 3)

	if !strings.Contains(buf.String(), "applied component=dispatch nonce=3") {
		t.Errorf("attrs not rendered in order: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimed(t *testing.T) {
	attr := Timed(time.Now().Add(-time.Second))

	if attr.Key != "elapsed" {
		t.Errorf("key = %q, want elapsed", attr.Key)
	}

	if attr.Value.Duration() < time.Second {
		t.Errorf("elapsed = %v, want >= 1s", attr.Value.Duration())
	}
}
