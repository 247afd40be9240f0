package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the optional YAML overlay. Unset keys keep their defaults.
type File struct {
	Server struct {
		BindAddr         string `yaml:"bind_addr"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`
		SessionRetention string `yaml:"session_retention"`
		LogLevel         string `yaml:"log_level"`
		LogFormat        string `yaml:"log_format"`
	} `yaml:"server"`
	Live struct {
		Transport         string `yaml:"transport"`
		WSURL             string `yaml:"ws_url"`
		Model             string `yaml:"model"`
		Voice             string `yaml:"voice"`
		SystemInstruction string `yaml:"system_instruction"`
		StartSensitivity  string `yaml:"start_sensitivity"`
		EndSensitivity    string `yaml:"end_sensitivity"`
		PrefixPadding     string `yaml:"prefix_padding"`
		SilenceDuration   string `yaml:"silence_duration"`
		Interruptible     *bool  `yaml:"interruptible"`
	} `yaml:"live"`
	Audio struct {
		Device            string  `yaml:"device"`
		InputRate         int     `yaml:"input_rate"`
		OutputRate        int     `yaml:"output_rate"`
		CalibrationFrames int     `yaml:"calibration_frames"`
		NoiseMultiplier   float64 `yaml:"noise_multiplier"`
		ReleaseFrames     *int    `yaml:"release_frames"`
		RecordDir         string  `yaml:"record_dir"`
	} `yaml:"audio"`
	Turns struct {
		MaxLatency string `yaml:"max_latency"`
		EndMarker  string `yaml:"end_marker"`
	} `yaml:"turns"`
	Storage struct {
		DatabaseURL string `yaml:"database_url"`
		SQLitePath  string `yaml:"sqlite_path"`
		RedisAddr   string `yaml:"redis_addr"`
		RedisQueue  string `yaml:"redis_queue"`
		RedactPII   *bool  `yaml:"redact_pii"`
	} `yaml:"storage"`
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var file File
	if err := yaml.NewDecoder(f).Decode(&file); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, file.Server.BindAddr)
	setString(&cfg.MetricsNamespace, file.Server.MetricsNamespace)
	setString(&cfg.LogLevel, file.Server.LogLevel)
	setString(&cfg.LogFormat, file.Server.LogFormat)
	setBool(&cfg.AllowAnyOrigin, file.Server.AllowAnyOrigin)

	setString(&cfg.LiveTransport, file.Live.Transport)
	setString(&cfg.LiveWSURL, file.Live.WSURL)
	setString(&cfg.LiveModel, file.Live.Model)
	setString(&cfg.VoiceName, file.Live.Voice)
	setString(&cfg.SystemInstruction, file.Live.SystemInstruction)
	setString(&cfg.StartSensitivity, file.Live.StartSensitivity)
	setString(&cfg.EndSensitivity, file.Live.EndSensitivity)
	setBool(&cfg.Interruptible, file.Live.Interruptible)

	setString(&cfg.AudioDevice, file.Audio.Device)
	setInt(&cfg.InputRate, file.Audio.InputRate)
	setInt(&cfg.OutputRate, file.Audio.OutputRate)
	setInt(&cfg.CalibrationFrames, file.Audio.CalibrationFrames)
	if file.Audio.NoiseMultiplier != 0 {
		cfg.NoiseMultiplier = file.Audio.NoiseMultiplier
	}
	if file.Audio.ReleaseFrames != nil {
		cfg.ReleaseFrames = *file.Audio.ReleaseFrames
	}
	setString(&cfg.RecordDir, file.Audio.RecordDir)
	setString(&cfg.EndMarker, file.Turns.EndMarker)

	setString(&cfg.DatabaseURL, file.Storage.DatabaseURL)
	setString(&cfg.SQLitePath, file.Storage.SQLitePath)
	setString(&cfg.RedisAddr, file.Storage.RedisAddr)
	setString(&cfg.RedisQueue, file.Storage.RedisQueue)
	setBool(&cfg.RedactPII, file.Storage.RedactPII)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.session_retention", file.Server.SessionRetention, &cfg.SessionRetention},
		{"live.prefix_padding", file.Live.PrefixPadding, &cfg.PrefixPadding},
		{"live.silence_duration", file.Live.SilenceDuration, &cfg.SilenceDuration},
		{"turns.max_latency", file.Turns.MaxLatency, &cfg.MaxLatency},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
