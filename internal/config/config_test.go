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
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.LiveTransport != "genai" || cfg.AudioDevice != "malgo" {
		t.Fatalf("transport=%q device=%q", cfg.LiveTransport, cfg.AudioDevice)
	}
	if cfg.InputRate != 16000 || cfg.OutputRate != 24000 {
		t.Fatalf("rates = %d/%d, want 16000/24000", cfg.InputRate, cfg.OutputRate)
	}
	if cfg.MaxLatency != 60*time.Second {
		t.Fatalf("MaxLatency = %v, want 60s", cfg.MaxLatency)
	}
	if !cfg.RedactPII || !cfg.Interruptible {
		t.Fatalf("RedactPII=%v Interruptible=%v, want true", cfg.RedactPII, cfg.Interruptible)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Fatalf("storage should default to in-memory, got db=%q redis=%q", cfg.DatabaseURL, cfg.RedisAddr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("VIVA_LIVE_TRANSPORT", "WS")
	t.Setenv("VIVA_VAD_END_SENSITIVITY", "low")
	t.Setenv("VIVA_VAD_SILENCE_DURATION", "1.2s")
	t.Setenv("VIVA_NOISE_MULTIPLIER", "2.5")
	t.Setenv("VIVA_INTERRUPTIBLE", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.LiveTransport != "ws" {
		t.Fatalf("BindAddr=%q LiveTransport=%q", cfg.BindAddr, cfg.LiveTransport)
	}
	if cfg.EndSensitivity != "LOW" {
		t.Fatalf("EndSensitivity = %q, want LOW", cfg.EndSensitivity)
	}
	if cfg.SilenceDuration != 1200*time.Millisecond {
		t.Fatalf("SilenceDuration = %v, want 1.2s", cfg.SilenceDuration)
	}
	if cfg.NoiseMultiplier != 2.5 {
		t.Fatalf("NoiseMultiplier = %v, want 2.5", cfg.NoiseMultiplier)
	}
	if cfg.Interruptible {
		t.Fatalf("Interruptible = true, want false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"VIVA_LIVE_TRANSPORT":        "grpc",
		"VIVA_AUDIO_DEVICE":          "pulse",
		"VIVA_VAD_START_SENSITIVITY": "medium",
		"VIVA_MAX_LATENCY":           "soon",
		"VIVA_CALIBRATION_FRAMES":    "0",
		"APP_ALLOW_ANY_ORIGIN":       "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil", key, value)
			}
		})
	}
}

func TestLoadYAMLFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "viva.yaml")
	body := `
server:
  bind_addr: ":7070"
  log_format: json
live:
  transport: ws
  voice: Kore
  silence_duration: 500ms
  interruptible: false
audio:
  device: "null"
  release_frames: 0
storage:
  sqlite_path: /tmp/viva.db
  redact_pii: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VIVA_CONFIG_FILE", path)
	t.Setenv("VIVA_VOICE", "Charon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" || cfg.LogFormat != "json" || cfg.LiveTransport != "ws" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.VoiceName != "Charon" {
		t.Fatalf("VoiceName = %q, want env override Charon", cfg.VoiceName)
	}
	if cfg.SilenceDuration != 500*time.Millisecond || cfg.Interruptible {
		t.Fatalf("SilenceDuration=%v Interruptible=%v", cfg.SilenceDuration, cfg.Interruptible)
	}
	if cfg.AudioDevice != "null" || cfg.ReleaseFrames != 0 {
		t.Fatalf("AudioDevice=%q ReleaseFrames=%d", cfg.AudioDevice, cfg.ReleaseFrames)
	}
	if cfg.SQLitePath != "/tmp/viva.db" || cfg.RedactPII {
		t.Fatalf("SQLitePath=%q RedactPII=%v", cfg.SQLitePath, cfg.RedactPII)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VIVA_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil for missing config file")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"VIVA_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_RETENTION",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"VIVA_LIVE_TRANSPORT",
		"GEMINI_API_KEY",
		"GEMINI_LIVE_WS_URL",
		"GEMINI_LIVE_MODEL",
		"VIVA_VOICE",
		"VIVA_SYSTEM_INSTRUCTION",
		"VIVA_VAD_START_SENSITIVITY",
		"VIVA_VAD_END_SENSITIVITY",
		"VIVA_VAD_PREFIX_PADDING",
		"VIVA_VAD_SILENCE_DURATION",
		"VIVA_INTERRUPTIBLE",
		"VIVA_AUDIO_DEVICE",
		"VIVA_INPUT_RATE",
		"VIVA_OUTPUT_RATE",
		"VIVA_CALIBRATION_FRAMES",
		"VIVA_NOISE_MULTIPLIER",
		"VIVA_RELEASE_FRAMES",
		"VIVA_RECORD_DIR",
		"VIVA_MAX_LATENCY",
		"VIVA_END_MARKER",
		"DATABASE_URL",
		"VIVA_SQLITE_PATH",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_QUEUE",
		"VIVA_REDACT_PII",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
