package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer appends cycles to a markdown file per local day.
type Writer struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

func (w *Writer) Append(c Cycle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	ts := c.CapturedAt
	if ts.IsZero() {
		ts = w.now()
	}
	path := w.pathFor(ts)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, FormatMarkdown(c, ts)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) CurrentPath() string {
	return w.pathFor(w.now())
}

func (w *Writer) pathFor(t time.Time) string {
	return filepath.Join(w.dir, t.Local().Format("2006-01-02")+".md")
}

// FormatMarkdown renders one journal line for a cycle.
func FormatMarkdown(c Cycle, ts time.Time) string {
	spoken := strings.TrimSpace(c.SpokenText)
	if spoken == "" {
		spoken = "(silence)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**[%s]** session %s #%d: _%s_", ts.Local().Format("15:04:05"), c.SessionID, c.Cycle, spoken)
	switch {
	case c.Error != "":
		fmt.Fprintf(&b, " **%s:** %s", c.Outcome, c.Error)
	case c.Response != "":
		fmt.Fprintf(&b, " > %s", strings.TrimSpace(c.Response))
	}
	if c.LatencyMS > 0 {
		fmt.Fprintf(&b, " (%dms)", c.LatencyMS)
	}
	return b.String()
}
