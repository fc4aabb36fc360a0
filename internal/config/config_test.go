package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.OpenAIRealtimeModel != "gpt-4o-mini-realtime-preview-2024-12-17" {
		t.Fatalf("OpenAIRealtimeModel = %q", cfg.OpenAIRealtimeModel)
	}
	if cfg.VADThreshold != 0.5 || cfg.VADPrefixPadding != 300*time.Millisecond || cfg.VADSilenceDuration != 500*time.Millisecond {
		t.Fatalf("vad = %v/%v/%v", cfg.VADThreshold, cfg.VADPrefixPadding, cfg.VADSilenceDuration)
	}
	if cfg.MinAudioFrameBytes != 100 {
		t.Fatalf("MinAudioFrameBytes = %d, want 100", cfg.MinAudioFrameBytes)
	}
	if cfg.ConversationStore != "memory" || cfg.ConversationMaxTurns != 5 {
		t.Fatalf("conversation = %q/%d", cfg.ConversationStore, cfg.ConversationMaxTurns)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("RELAY_VAD_THRESHOLD", "0.7")
	t.Setenv("RELAY_VAD_SILENCE_DURATION", "800ms")
	t.Setenv("APP_DEBUG", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.VADThreshold != 0.7 || cfg.VADSilenceDuration != 800*time.Millisecond || !cfg.Debug {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "voicebridge.yaml")
	body := "bind_addr: \":7070\"\ndefault_voice: verse\nvad_prefix_padding: 450ms\nhistory_limit: 20\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("RELAY_DEFAULT_VOICE", "echo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.DefaultVoice != "echo" {
		t.Fatalf("DefaultVoice = %q, want env override", cfg.DefaultVoice)
	}
	if cfg.VADPrefixPadding != 450*time.Millisecond || cfg.HistoryLimit != 20 {
		t.Fatalf("file values = %v/%d", cfg.VADPrefixPadding, cfg.HistoryLimit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RELAY_VAD_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatalf("expected threshold validation error")
	}

	setCoreEnvEmpty(t)
	t.Setenv("CONVERSATION_STORE", "postgres")
	if _, err := Load(); err == nil {
		t.Fatalf("expected DATABASE_URL validation error")
	}

	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("expected bool parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DEBUG",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"RELAY_DEFAULT_VOICE",
		"RELAY_DEFAULT_INSTRUCTIONS",
		"RELAY_TRANSCRIPTION_MODEL",
		"RELAY_VAD_THRESHOLD",
		"RELAY_VAD_PREFIX_PADDING",
		"RELAY_VAD_SILENCE_DURATION",
		"RELAY_MIN_AUDIO_FRAME_BYTES",
		"RELAY_HISTORY_LIMIT",
		"RELAY_UPSTREAM_DIAL_TIMEOUT",
		"RELAY_UPSTREAM_DIAL_RETRIES",
		"RELAY_UPSTREAM_DIAL_RETRY_DELAY",
		"CONVERSATION_STORE",
		"CONVERSATION_DIR",
		"CONVERSATION_MAX_TURNS",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
