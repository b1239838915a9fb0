package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

var initDeepgram sync.Once

type deepgramClient interface {
	deepgramWS
	Connect() bool
}

type deepgramDialer func(ctx context.Context, apiKey string, cOptions *interfaces.ClientOptions, tOptions *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (deepgramClient, error)

func dialDeepgram(ctx context.Context, apiKey string, cOptions *interfaces.ClientOptions, tOptions *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (deepgramClient, error) {
	c, err := client.NewWSUsingCallback(ctx, apiKey, cOptions, tOptions, cb)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Deepgram recognizes speech through Deepgram's live streaming API.
type Deepgram struct {
	apiKey   string
	model    string
	language string
	logger   *slog.Logger
	dial     deepgramDialer
}

func NewDeepgram(apiKey, model, language string, logger *slog.Logger) *Deepgram {
	if model == "" {
		model = "nova-2"
	}
	if language == "" {
		language = "en-US"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deepgram{apiKey: apiKey, model: model, language: language, logger: logger, dial: dialDeepgram}
}

func (d *Deepgram) Connect(ctx context.Context, sampleRate int, events Events) (Connection, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("%w: deepgram api key not configured", ErrEngineUnavailable)
	}

	initDeepgram.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.model,
		Language:       d.language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		Encoding:       "linear16",
		SampleRate:     sampleRate,
		Channels:       1,
	}

	cb := deepgramCallback{events: events, logger: d.logger, now: time.Now}
	dgClient, err := d.dial(ctx, d.apiKey, cOptions, tOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if ok := dgClient.Connect(); !ok {
		dgClient.Stop()
		return nil, errors.New("deepgram connect failed")
	}

	return &deepgramConn{ws: dgClient}, nil
}

type deepgramWS interface {
	Write(p []byte) (int, error)
	Stop()
}

type deepgramConn struct {
	ws   deepgramWS
	once sync.Once
}

func (c *deepgramConn) Write(p []byte) (int, error) {
	return c.ws.Write(p)
}

func (c *deepgramConn) Close() error {
	c.once.Do(c.ws.Stop)
	return nil
}

type deepgramCallback struct {
	events Events
	logger *slog.Logger
	now    func() time.Time
}

func (c deepgramCallback) Message(mr *api.MessageResponse) error {
	result, ok := resultFromMessage(mr, c.now())
	if !ok || c.events.OnResult == nil {
		return nil
	}
	c.events.OnResult(result)
	return nil
}

func (c deepgramCallback) Open(*api.OpenResponse) error {
	c.logger.Info("connected to Deepgram")
	if c.events.OnConnected != nil {
		c.events.OnConnected(true)
	}
	return nil
}

func (c deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error { return nil }

func (c deepgramCallback) Close(*api.CloseResponse) error {
	c.logger.Info("disconnected from Deepgram")
	if c.events.OnConnected != nil {
		c.events.OnConnected(false)
	}
	return nil
}

func (c deepgramCallback) Error(er *api.ErrorResponse) error {
	c.logger.Warn("deepgram error", "code", er.ErrCode, "description", er.Description)
	return nil
}

func (c deepgramCallback) UnhandledEvent([]byte) error { return nil }
