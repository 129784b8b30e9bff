package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") {
		t.Error("debug message logged at warn level")
	}
	if strings.Contains(out, "info message") {
		t.Error("info message logged at warn level")
	}
	if !strings.Contains(out, "warn message") {
		t.Error("warn message not logged")
	}
	if !strings.Contains(out, "error message") {
		t.Error("error message not logged")
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("channel bound", "size", 4096, "magic", "ok")

	out := buf.String()
	if !strings.Contains(out, "channel bound size=4096 magic=ok") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestFormatArgs(t *testing.T) {
	tests := []struct {
		name string
		args []any
		want string
	}{
		{"empty", nil, ""},
		{"pair", []any{"k", "v"}, " k=v"},
		{"two pairs", []any{"a", 1, "b", 2}, " a=1 b=2"},
		{"dangling key", []any{"a", 1, "b"}, " a=1"},
	}

	for _, test := range tests {
		got := formatArgs(test.args)
		if got != test.want {
			t.Errorf("%s: formatArgs(%v) = %q, want %q", test.name, test.args, got, test.want)
		}
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(old)

	Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Error("default logger did not receive message")
	}
}
