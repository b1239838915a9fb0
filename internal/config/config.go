package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Mentus environment variables.
const EnvPrefix = "MENTUS_"

const (
	defaultInterval         = 10 * time.Second
	defaultInferenceTimeout = 30 * time.Second
)

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	Interval         string `yaml:"interval"`
	InferenceTimeout string `yaml:"inference_timeout"`
	Model            string `yaml:"model"`
	InferenceURL     string `yaml:"inference_url"`

	Prompt     Prompt     `yaml:"prompt"`
	Camera     Camera     `yaml:"camera"`
	Frame      Frame      `yaml:"frame"`
	Microphone Microphone `yaml:"microphone"`
	Speech     Speech     `yaml:"speech"`
	Playback   Playback   `yaml:"playback"`

	DBPath                string `yaml:"db_path"`
	JournalDir            string `yaml:"journal_dir"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`

	// Secrets: env vars only, never serialized to YAML.
	DeepgramAPIKey  string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
}

// Prompt is the mentor instruction sent with every frame. UserTemplate may
// reference {{text}}, replaced by the spoken transcript.
type Prompt struct {
	SystemPrompt string `yaml:"system_prompt"`
	UserTemplate string `yaml:"user_template"`
	EmptyText    string `yaml:"empty_text"`
	FallbackText string `yaml:"fallback_text"`
}

type Camera struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`
	FPS         int    `yaml:"fps"`
}

type Frame struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	Quality int `yaml:"quality"`
}

type Microphone struct {
	SampleRate  int   `yaml:"sample_rate"`
	SampleRates []int `yaml:"sample_rates"`
}

type Speech struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type Playback struct {
	Engine        string `yaml:"engine"`
	Voice         string `yaml:"voice"`
	TTSModel      string `yaml:"tts_model"`
	PlayerCommand string `yaml:"player_command"`
	SpeakCommand  string `yaml:"speak_command"`
}

func defaults() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8080",
		Interval:         "10s",
		InferenceTimeout: "30s",
		Model:            "gemini/gemini-2.5-flash",
		Prompt: Prompt{
			UserTemplate: `You are Mentus, an expert AI mentor. Analyze this video frame and the user's spoken input: "{{text}}". Provide helpful, short guidance (max 2 sentences).`,
			EmptyText:    "No spoken input",
			FallbackText: "I see you, but I'm not sure what to say.",
		},
		Camera: Camera{
			Command:     "ffmpeg",
			InputFormat: "v4l2",
			Device:      "/dev/video0",
			FPS:         2,
		},
		Frame: Frame{Width: 640, Height: 480, Quality: 50},
		Microphone: Microphone{
			SampleRate:  16000,
			SampleRates: []int{48000, 44100, 32000, 24000},
		},
		Speech: Speech{Model: "nova-2", Language: "en-US"},
		Playback: Playback{
			Engine:        "openai",
			Voice:         "alloy",
			TTSModel:      "tts-1",
			PlayerCommand: "ffplay -nodisp -autoexit -loglevel quiet -i -",
			SpeakCommand:  "espeak-ng",
		},
		DBPath:                "data/mentus.db",
		JournalDir:            "data/journal",
		GoogleCredentialsFile: "./service-account.json",
		MetricsEnabled:        true,
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedInterval returns Interval as a time.Duration, falling back to 10s if
// the value is invalid or not positive.
func (c *Config) ParsedInterval() time.Duration {
	return parseDuration(c.Interval, defaultInterval)
}

// ParsedInferenceTimeout returns InferenceTimeout as a time.Duration,
// falling back to 30s if the value is invalid or not positive.
func (c *Config) ParsedInferenceTimeout() time.Duration {
	return parseDuration(c.InferenceTimeout, defaultInferenceTimeout)
}

// ProviderKey returns the API key configured for an LLM provider.
func (c *Config) ProviderKey(provider string) string {
	switch provider {
	case "gemini":
		return c.GeminiAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return ""
	}
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.Microphone.SampleRates)+len(hardcoded))
	combined = append(combined, c.Microphone.SampleRate)
	combined = append(combined, c.Microphone.SampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ListenAddr, "LISTEN_ADDR")
	overrideString(&cfg.Interval, "INTERVAL")
	overrideString(&cfg.InferenceTimeout, "INFERENCE_TIMEOUT")
	overrideString(&cfg.Model, "MODEL")
	overrideString(&cfg.InferenceURL, "INFERENCE_URL")
	overrideString(&cfg.Camera.Command, "CAMERA_COMMAND")
	overrideString(&cfg.Camera.InputFormat, "CAMERA_INPUT_FORMAT")
	overrideString(&cfg.Camera.Device, "CAMERA_DEVICE")
	overrideInt(&cfg.Camera.FPS, "CAMERA_FPS")
	overrideInt(&cfg.Frame.Quality, "FRAME_QUALITY")
	overrideInt(&cfg.Microphone.SampleRate, "MIC_SAMPLE_RATE")
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.Microphone.SampleRates = parseSampleRates(v)
	}
	overrideString(&cfg.Speech.Language, "SPEECH_LANGUAGE")
	overrideString(&cfg.Playback.Engine, "PLAYBACK_ENGINE")
	overrideString(&cfg.Playback.Voice, "PLAYBACK_VOICE")
	overrideString(&cfg.DBPath, "DB_PATH")
	overrideString(&cfg.JournalDir, "JOURNAL_DIR")
	overrideString(&cfg.GDriveFolderID, "GDRIVE_FOLDER_ID")
	overrideString(&cfg.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	if v := os.Getenv(EnvPrefix + "METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.MetricsEnabled = b
		}
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = n
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	if cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = os.Getenv("GOOGLE_API_KEY")
	}
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured, spoken input is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.InferenceURL == "" {
		provider, _, _ := strings.Cut(cfg.Model, "/")
		if cfg.ProviderKey(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("No API key configured for model %q, guidance requests will fail until one is set.", cfg.Model))
		}
	}
	if cfg.Playback.Engine == "openai" && cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured, falling back to the local speak command. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	if _, err := time.ParseDuration(cfg.Interval); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid interval %q, using default %s.", cfg.Interval, defaultInterval))
	}
	if _, err := time.ParseDuration(cfg.InferenceTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid inference_timeout %q, using default %s.", cfg.InferenceTimeout, defaultInferenceTimeout))
	}
	if cfg.Frame.Quality < 1 || cfg.Frame.Quality > 100 {
		warnings = append(warnings, fmt.Sprintf("Invalid frame quality %d, using 50.", cfg.Frame.Quality))
		cfg.Frame.Quality = 50
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
