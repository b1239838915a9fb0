package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// commandWaitDelay bounds how long a cancelled command may keep its output
// pipes open through child processes it spawned.
const commandWaitDelay = 500 * time.Millisecond

// CommandEngine speaks through a local TTS program such as espeak-ng. The
// text is passed as the final argument.
type CommandEngine struct {
	command string
	args    []string
}

func NewCommandEngine(commandLine string) (*CommandEngine, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("speak command is empty")
	}
	return &CommandEngine{command: fields[0], args: fields[1:]}, nil
}

func (e *CommandEngine) Say(ctx context.Context, text string) error {
	args := append(append([]string(nil), e.args...), text)
	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.WaitDelay = commandWaitDelay
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("run %s: %w: %s", e.command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Player plays encoded audio until it ends or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, audio io.Reader) error
}

// SynthEngine synthesizes speech remotely and plays it locally.
type SynthEngine struct {
	Synth  Synthesizer
	Player Player
}

func (e *SynthEngine) Say(ctx context.Context, text string) error {
	audio, err := e.Synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer audio.Close()

	return e.Player.Play(ctx, audio)
}

type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

func NewOpenAISynthesizer(apiKey, model, voice, baseURL string) *OpenAISynthesizer {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &OpenAISynthesizer{client: openai.NewClientWithConfig(config), model: model, voice: voice}
}

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	return resp, nil
}

// CommandPlayer pipes audio into a player process reading stdin, for
// example "ffplay -nodisp -autoexit -loglevel quiet -i -".
type CommandPlayer struct {
	command string
	args    []string
}

func NewCommandPlayer(commandLine string) (*CommandPlayer, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("player command is empty")
	}
	return &CommandPlayer{command: fields[0], args: fields[1:]}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, audio io.Reader) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = audio
	cmd.WaitDelay = commandWaitDelay
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("run %s: %w: %s", p.command, err, strings.TrimSpace(string(out)))
	}
	return nil
}
