package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestLogs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatal(err)
	}
	run := logger.WithRun("r1")
	run.Debug("scheduling round", "ready", 2)
	run.WithTask("a").WithPhase("commit").Info("commit applied", "paths", 1)
	run.WithTask("b").WithPhase("commit").Warn("commit conflicted")
	run.WithTask("b").WithWorker(1).Error("task failed", "reason", "retries exhausted")
	logger.Close()
	return dir
}

func TestReadEntries(t *testing.T) {
	dir := writeTestLogs(t)
	// Noise lines must be skipped.
	f, _ := os.OpenFile(filepath.Join(dir, LogFileName), os.O_APPEND|os.O_WRONLY, 0644)
	_, _ = f.WriteString("not json\n\n")
	_ = f.Close()

	entries, err := ReadEntries(dir)
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	last := entries[3]
	if last.TaskID != "b" || last.RunID != "r1" || last.Worker == nil || *last.Worker != 1 {
		t.Errorf("unexpected last entry: %+v", last)
	}
	if last.Attrs["reason"] != "retries exhausted" {
		t.Errorf("Attrs[reason] = %v", last.Attrs["reason"])
	}
}

func TestReadEntriesMissingDir(t *testing.T) {
	if _, err := ReadEntries(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing log file")
	}
}

func TestFilterLogs(t *testing.T) {
	entries, err := ReadEntries(writeTestLogs(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"empty filter", LogFilter{}, 4},
		{"level warn", LogFilter{Level: "warn"}, 2},
		{"task b", LogFilter{TaskID: "b"}, 2},
		{"phase commit", LogFilter{Phase: "commit"}, 2},
		{"task a at warn", LogFilter{TaskID: "a", Level: LevelWarn}, 0},
		{"message", LogFilter{MessageContains: "conflict"}, 1},
		{"other run", LogFilter{RunID: "r2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(FilterLogs(entries, tt.filter)); got != tt.want {
				t.Errorf("FilterLogs() returned %d entries, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteTextAndJSON(t *testing.T) {
	entries, err := ReadEntries(writeTestLogs(t))
	if err != nil {
		t.Fatal(err)
	}

	var text bytes.Buffer
	if err := WriteText(&text, entries); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "[b] task failed reason=retries exhausted") {
		t.Errorf("text output missing task line:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := WriteJSON(&js, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(js.String()) != "[]" {
		t.Errorf("WriteJSON(nil) = %q, want []", js.String())
	}
}
