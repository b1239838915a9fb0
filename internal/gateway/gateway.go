package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNotConfigured = errors.New("inference gateway not configured")
	ErrNoImage       = errors.New("no image provided")
	ErrEmptyGuidance = errors.New("empty guidance")
)

// Gateway turns one camera frame and the words spoken since the last frame
// into guidance text. Implementations make exactly one attempt per call.
type Gateway interface {
	Infer(ctx context.Context, image []byte, spokenText string) (string, error)
}

// Failure is any unsuccessful inference. Status is the upstream HTTP status
// when one is known.
type Failure struct {
	Reason string
	Status int
	Err    error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("inference failed: ")
	b.WriteString(f.Reason)
	if f.Status > 0 {
		b.WriteString(" (status ")
		b.WriteString(strconv.Itoa(f.Status))
		b.WriteString(")")
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// DiagnosticText is the short message shown in place of guidance after a
// failed cycle.
func DiagnosticText(err error) string {
	var failure *Failure
	if errors.As(err, &failure) {
		if failure.Status > 0 {
			return fmt.Sprintf("Error: %d - check server logs.", failure.Status)
		}
		return fmt.Sprintf("Error: %s - check server logs.", failure.Reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Error: timeout - check server logs."
	}
	return "Error: request failed - check server logs."
}

// StripDataURI removes a "data:<mime>;base64," prefix if present.
func StripDataURI(s string) string {
	if i := strings.Index(s, "base64,"); i >= 0 {
		return s[i+len("base64,"):]
	}
	return s
}

// Prompt controls how spoken text is presented to the model.
type Prompt struct {
	System       string
	UserTemplate string
	EmptyText    string
	FallbackText string
}

// Render substitutes spokenText, or EmptyText when nothing was said, into
// the user template.
func (p Prompt) Render(spokenText string) string {
	text := strings.TrimSpace(spokenText)
	if text == "" {
		text = p.EmptyText
	}
	return strings.ReplaceAll(p.UserTemplate, "{{text}}", text)
}
