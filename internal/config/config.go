package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the relay.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`
	Debug            bool          `yaml:"debug"`

	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIRealtimeURL   string `yaml:"openai_realtime_url"`
	OpenAIRealtimeModel string `yaml:"openai_realtime_model"`

	DefaultVoice           string        `yaml:"default_voice"`
	DefaultInstructions    string        `yaml:"default_instructions"`
	TranscriptionModel     string        `yaml:"transcription_model"`
	VADThreshold           float64       `yaml:"vad_threshold"`
	VADPrefixPadding       time.Duration `yaml:"vad_prefix_padding"`
	VADSilenceDuration     time.Duration `yaml:"vad_silence_duration"`
	MinAudioFrameBytes     int           `yaml:"min_audio_frame_bytes"`
	HistoryLimit           int           `yaml:"history_limit"`
	UpstreamDialTimeout    time.Duration `yaml:"upstream_dial_timeout"`
	UpstreamDialRetries    int           `yaml:"upstream_dial_retries"`
	UpstreamDialRetryDelay time.Duration `yaml:"upstream_dial_retry_delay"`

	ConversationStore    string `yaml:"conversation_store"`
	ConversationDir      string `yaml:"conversation_dir"`
	ConversationMaxTurns int    `yaml:"conversation_max_turns"`
	DatabaseURL          string `yaml:"database_url"`
}

const defaultInstructions = "You are a helpful, friendly voice assistant. Keep responses concise and conversational."

func defaults() Config {
	return Config{
		BindAddr:               ":8080",
		ShutdownTimeout:        15 * time.Second,
		MetricsNamespace:       "voicebridge",
		OpenAIRealtimeURL:      "wss://api.openai.com/v1/realtime",
		OpenAIRealtimeModel:    "gpt-4o-mini-realtime-preview-2024-12-17",
		DefaultVoice:           "alloy",
		DefaultInstructions:    defaultInstructions,
		TranscriptionModel:     "whisper-1",
		VADThreshold:           0.5,
		VADPrefixPadding:       300 * time.Millisecond,
		VADSilenceDuration:     500 * time.Millisecond,
		MinAudioFrameBytes:     100,
		HistoryLimit:           100,
		UpstreamDialTimeout:    10 * time.Second,
		UpstreamDialRetries:    2,
		UpstreamDialRetryDelay: time.Second,
		ConversationStore:      "memory",
		ConversationDir:        ".data/conversations",
		ConversationMaxTurns:   5,
	}
}

// Load applies defaults, then the optional YAML file named by APP_CONFIG_FILE,
// then environment variables, and validates the result.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.OpenAIAPIKey = envOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIRealtimeURL = envOrDefault("OPENAI_REALTIME_URL", cfg.OpenAIRealtimeURL)
	cfg.OpenAIRealtimeModel = envOrDefault("OPENAI_REALTIME_MODEL", cfg.OpenAIRealtimeModel)
	cfg.DefaultVoice = envOrDefault("RELAY_DEFAULT_VOICE", cfg.DefaultVoice)
	cfg.DefaultInstructions = envOrDefault("RELAY_DEFAULT_INSTRUCTIONS", cfg.DefaultInstructions)
	cfg.TranscriptionModel = envOrDefault("RELAY_TRANSCRIPTION_MODEL", cfg.TranscriptionModel)
	cfg.ConversationStore = strings.ToLower(envOrDefault("CONVERSATION_STORE", cfg.ConversationStore))
	cfg.ConversationDir = envOrDefault("CONVERSATION_DIR", cfg.ConversationDir)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = boolFromEnv("APP_DEBUG", cfg.Debug); err != nil {
		return Config{}, err
	}
	if cfg.VADThreshold, err = floatFromEnv("RELAY_VAD_THRESHOLD", cfg.VADThreshold); err != nil {
		return Config{}, err
	}
	if cfg.VADPrefixPadding, err = durationFromEnv("RELAY_VAD_PREFIX_PADDING", cfg.VADPrefixPadding); err != nil {
		return Config{}, err
	}
	if cfg.VADSilenceDuration, err = durationFromEnv("RELAY_VAD_SILENCE_DURATION", cfg.VADSilenceDuration); err != nil {
		return Config{}, err
	}
	if cfg.MinAudioFrameBytes, err = intFromEnv("RELAY_MIN_AUDIO_FRAME_BYTES", cfg.MinAudioFrameBytes); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit, err = intFromEnv("RELAY_HISTORY_LIMIT", cfg.HistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialTimeout, err = durationFromEnv("RELAY_UPSTREAM_DIAL_TIMEOUT", cfg.UpstreamDialTimeout); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialRetries, err = intFromEnv("RELAY_UPSTREAM_DIAL_RETRIES", cfg.UpstreamDialRetries); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialRetryDelay, err = durationFromEnv("RELAY_UPSTREAM_DIAL_RETRY_DELAY", cfg.UpstreamDialRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.ConversationMaxTurns, err = intFromEnv("CONVERSATION_MAX_TURNS", cfg.ConversationMaxTurns); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.VADThreshold <= 0 || c.VADThreshold > 1 {
		return fmt.Errorf("RELAY_VAD_THRESHOLD must be in (0,1], got %v", c.VADThreshold)
	}
	if c.MinAudioFrameBytes < 0 {
		return fmt.Errorf("RELAY_MIN_AUDIO_FRAME_BYTES must be >= 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("RELAY_HISTORY_LIMIT must be positive")
	}
	if c.UpstreamDialTimeout < time.Second {
		return fmt.Errorf("RELAY_UPSTREAM_DIAL_TIMEOUT must be at least 1s")
	}
	if c.UpstreamDialRetries < 0 {
		return fmt.Errorf("RELAY_UPSTREAM_DIAL_RETRIES must be >= 0")
	}
	if c.ConversationMaxTurns <= 0 {
		return fmt.Errorf("CONVERSATION_MAX_TURNS must be positive")
	}
	switch c.ConversationStore {
	case "memory", "badger":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CONVERSATION_STORE=postgres")
		}
	default:
		return fmt.Errorf("CONVERSATION_STORE must be memory, badger or postgres, got %q", c.ConversationStore)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
