package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/device"
	"github.com/ent0n29/viva/internal/httpapi"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/session"
	"github.com/ent0n29/viva/internal/transcript"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Sessions    *session.Manager
	Launcher    *Launcher
	Transcripts transcript.Store
	Sink        *transcript.Sink
	Metrics     *observability.Metrics
	Logger      *logrus.Logger

	// Cleanup should be called on shutdown to release external resources (DB, queue, audio context).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	log := logrus.NewEntry(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	var publisher transcript.Publisher
	if cfg.RedisAddr != "" {
		p, err := transcript.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisQueue)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("transcript queue init failed: %w", err)
		}
		publisher = p
	}
	sink := transcript.NewSink(store, publisher, cfg.RedactPII, log.WithField("component", "transcript"))

	transport, err := newTransport(cfg)
	if err != nil {
		closeAll(store, publisher)
		return nil, err
	}

	hw := openDevices(cfg, log)

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetExpireHook(func(s session.Snapshot) {
		metrics.ObserveSessionEvent("expired")
		log.WithField("session_id", s.ID).Debug("session expired")
	})

	launcher := NewLauncher(cfg, transport, hw, sink, metrics, log)
	api := httpapi.New(cfg, sessions, launcher, store, metrics, log.WithField("component", "httpapi"))

	cleanup := func() error {
		var errs []error
		if err := sessions.EndAll(); err != nil {
			errs = append(errs, fmt.Errorf("end sessions: %w", err))
		}
		if hw != nil {
			if err := hw.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := closeAll(store, publisher); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	log.WithFields(logrus.Fields{
		"transport":    cfg.LiveTransport,
		"model":        cfg.LiveModel,
		"audio_device": launcher.DeviceMode(),
		"redact_pii":   cfg.RedactPII,
		"queue":        publisher != nil,
	}).Info("viva engine ready")

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Sessions:    sessions,
		Launcher:    launcher,
		Transcripts: store,
		Sink:        sink,
		Metrics:     metrics,
		Logger:      logger,
		Cleanup:     cleanup,
	}, nil
}

func newTransport(cfg config.Config) (connector.Transport, error) {
	switch cfg.LiveTransport {
	case "genai":
		return connector.NewGenAITransport(cfg.GeminiAPIKey), nil
	case "ws":
		if cfg.GeminiAPIKey == "" && cfg.LiveWSURL == "" {
			return nil, errors.New("ws transport needs GEMINI_API_KEY or GEMINI_LIVE_WS_URL")
		}
		return connector.NewWSTransport(cfg.LiveWSURL, cfg.GeminiAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown live transport %q", cfg.LiveTransport)
	}
}

// openDevices returns nil when sessions should run on null devices.
func openDevices(cfg config.Config, log *logrus.Entry) *device.Audio {
	if cfg.AudioDevice != "malgo" {
		return nil
	}
	hw, err := device.OpenAudio(log.WithField("component", "device"))
	if err != nil {
		log.WithError(err).Warn("audio hardware unavailable, sessions will use null devices")
		return nil
	}
	return hw
}

func closeAll(store transcript.Store, publisher transcript.Publisher) error {
	var errs []error
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transcript queue: %w", err))
		}
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transcript store: %w", err))
	}
	return errors.Join(errs...)
}
