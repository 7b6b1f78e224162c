package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"read file\"", "file_id=2"}},
		{"json", []string{`"msg":"read file"`, `"file_id":2`}},
		{"JSON", []string{`"msg":"read file"`}},
		{"", []string{"msg=\"read file\""}},
	}

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tc.format, &buf)
			logger.Info("read file", KeyFileID, 2)

			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q does not contain %q", out, w)
				}
			}
		})
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		config string
		level  slog.Level
		shown  bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelError, true},
		{"error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.config, "text", &buf)
		logger.Log(context.Background(), tc.level, "msg")
		if got := buf.Len() > 0; got != tc.shown {
			t.Errorf("config %s, level %s: shown = %v, want %v", tc.config, tc.level, got, tc.shown)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter("info", "text", &buf), "fs")
	logger.Info("formatted")
	if !strings.Contains(buf.String(), "component=fs") {
		t.Errorf("output %q missing component attribute", buf.String())
	}

	// nil falls back to a discarding logger
	Component(nil, "fs").Info("dropped")
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger() returned nil")
	}
	logger.Error("discarded", KeyError, "x")
}
