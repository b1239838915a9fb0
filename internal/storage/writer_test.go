package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterAppendsToDaily(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	c := Cycle{
		SessionID:  "20260226103000",
		Cycle:      1,
		Outcome:    "guidance",
		SpokenText: "turn left",
		Response:   "Good, now look down",
		LatencyMS:  420,
		CapturedAt: time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local),
	}

	if err := w.Append(c); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(dir, "2026-02-26.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	content := string(data)
	for _, want := range []string{"10:30:00", "turn left", "Good, now look down", "420ms"} {
		if !strings.Contains(content, want) {
			t.Errorf("expected %q in content, got: %s", want, content)
		}
	}
}

func TestWriterMultipleAppends(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	ts := time.Date(2026, 2, 26, 10, 30, 0, 0, time.Local)

	_ = w.Append(Cycle{SessionID: "s", Cycle: 1, Outcome: "guidance", Response: "First.", CapturedAt: ts})
	_ = w.Append(Cycle{SessionID: "s", Cycle: 2, Outcome: "failure", Error: "timeout", CapturedAt: ts})

	path := filepath.Join(dir, "2026-02-26.md")
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], "failure") || !strings.Contains(lines[1], "timeout") {
		t.Fatalf("expected failure line, got %q", lines[1])
	}
}

func TestFormatMarkdownSilence(t *testing.T) {
	line := FormatMarkdown(Cycle{SessionID: "s", Cycle: 3, Response: "ok"}, time.Date(2026, 1, 1, 8, 0, 0, 0, time.Local))
	if !strings.Contains(line, "(silence)") {
		t.Fatalf("expected silence marker, got %q", line)
	}
}

func TestWriterCurrentPath(t *testing.T) {
	w := NewWriter("/tmp/journal")
	w.now = func() time.Time { return time.Date(2026, 3, 4, 12, 0, 0, 0, time.Local) }

	if got := w.CurrentPath(); got != filepath.Join("/tmp/journal", "2026-03-04.md") {
		t.Fatalf("unexpected path %q", got)
	}
}
