package transcribe

import (
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

// Result is one recognition hypothesis. Only Final results reach the buffer.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
	ReceivedAt time.Time
}

func resultFromMessage(mr *api.MessageResponse, now time.Time) (Result, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return Result{}, false
	}

	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return Result{}, false
	}

	return Result{
		Text:       text,
		Final:      mr.IsFinal,
		Confidence: alt.Confidence,
		ReceivedAt: now,
	}, true
}
