package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the viva engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	SessionRetention time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	// LiveTransport selects the dialogue endpoint client: "genai" or "ws".
	LiveTransport     string
	GeminiAPIKey      string
	LiveWSURL         string
	LiveModel         string
	VoiceName         string
	SystemInstruction string
	StartSensitivity  string
	EndSensitivity    string
	PrefixPadding     time.Duration
	SilenceDuration   time.Duration
	Interruptible     bool

	// AudioDevice is "malgo" for real hardware or "null".
	AudioDevice       string
	InputRate         int
	OutputRate        int
	CalibrationFrames int
	NoiseMultiplier   float64
	ReleaseFrames     int
	RecordDir         string

	MaxLatency time.Duration
	EndMarker  string

	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisQueue    string
	RedactPII     bool
}

func defaults() Config {
	return Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		SessionRetention:  10 * time.Minute,
		MetricsNamespace:  "viva",
		LogLevel:          "info",
		LogFormat:         "text",
		LiveTransport:     "genai",
		LiveModel:         "gemini-2.0-flash-live-001",
		VoiceName:         "Puck",
		StartSensitivity:  "HIGH",
		EndSensitivity:    "HIGH",
		PrefixPadding:     100 * time.Millisecond,
		SilenceDuration:   800 * time.Millisecond,
		Interruptible:     true,
		AudioDevice:       "malgo",
		InputRate:         16000,
		OutputRate:        24000,
		CalibrationFrames: 50,
		NoiseMultiplier:   3,
		ReleaseFrames:     8,
		MaxLatency:        60 * time.Second,
		EndMarker:         "[[END_SESSION]]",
		RedisQueue:        "viva:transcripts",
		RedactPII:         true,
	}
}

// Load applies defaults, then the YAML file named by VIVA_CONFIG_FILE, then
// environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("VIVA_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.LiveTransport = strings.ToLower(envOrDefault("VIVA_LIVE_TRANSPORT", cfg.LiveTransport))
	cfg.GeminiAPIKey = envOrDefault("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.LiveWSURL = envOrDefault("GEMINI_LIVE_WS_URL", cfg.LiveWSURL)
	cfg.LiveModel = envOrDefault("GEMINI_LIVE_MODEL", cfg.LiveModel)
	cfg.VoiceName = envOrDefault("VIVA_VOICE", cfg.VoiceName)
	cfg.SystemInstruction = envOrDefault("VIVA_SYSTEM_INSTRUCTION", cfg.SystemInstruction)
	cfg.StartSensitivity = strings.ToUpper(envOrDefault("VIVA_VAD_START_SENSITIVITY", cfg.StartSensitivity))
	cfg.EndSensitivity = strings.ToUpper(envOrDefault("VIVA_VAD_END_SENSITIVITY", cfg.EndSensitivity))
	cfg.AudioDevice = strings.ToLower(envOrDefault("VIVA_AUDIO_DEVICE", cfg.AudioDevice))
	cfg.RecordDir = envOrDefault("VIVA_RECORD_DIR", cfg.RecordDir)
	cfg.EndMarker = envOrDefault("VIVA_END_MARKER", cfg.EndMarker)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envOrDefault("VIVA_SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOrDefault("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisQueue = envOrDefault("REDIS_QUEUE", cfg.RedisQueue)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_RETENTION", &cfg.SessionRetention},
		{"VIVA_VAD_PREFIX_PADDING", &cfg.PrefixPadding},
		{"VIVA_VAD_SILENCE_DURATION", &cfg.SilenceDuration},
		{"VIVA_MAX_LATENCY", &cfg.MaxLatency},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"VIVA_INPUT_RATE", &cfg.InputRate},
		{"VIVA_OUTPUT_RATE", &cfg.OutputRate},
		{"VIVA_CALIBRATION_FRAMES", &cfg.CalibrationFrames},
		{"VIVA_RELEASE_FRAMES", &cfg.ReleaseFrames},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.NoiseMultiplier, err = floatFromEnv("VIVA_NOISE_MULTIPLIER", cfg.NoiseMultiplier)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Interruptible, err = boolFromEnv("VIVA_INTERRUPTIBLE", cfg.Interruptible)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("VIVA_REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.LiveTransport {
	case "genai", "ws":
	default:
		return fmt.Errorf("VIVA_LIVE_TRANSPORT must be genai or ws, got %q", c.LiveTransport)
	}
	switch c.AudioDevice {
	case "malgo", "null":
	default:
		return fmt.Errorf("VIVA_AUDIO_DEVICE must be malgo or null, got %q", c.AudioDevice)
	}
	for _, s := range []string{c.StartSensitivity, c.EndSensitivity} {
		if s != "HIGH" && s != "LOW" {
			return fmt.Errorf("VAD sensitivity must be HIGH or LOW, got %q", s)
		}
	}
	if c.InputRate <= 0 || c.OutputRate <= 0 {
		return fmt.Errorf("VIVA_INPUT_RATE and VIVA_OUTPUT_RATE must be positive")
	}
	if c.CalibrationFrames <= 0 {
		return fmt.Errorf("VIVA_CALIBRATION_FRAMES must be positive")
	}
	if c.NoiseMultiplier <= 0 {
		return fmt.Errorf("VIVA_NOISE_MULTIPLIER must be positive")
	}
	if c.ReleaseFrames < 0 {
		return fmt.Errorf("VIVA_RELEASE_FRAMES must be >= 0")
	}
	if c.MaxLatency <= 0 {
		return fmt.Errorf("VIVA_MAX_LATENCY must be positive")
	}
	if c.SessionRetention < time.Second {
		return fmt.Errorf("APP_SESSION_RETENTION must be at least 1s")
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
