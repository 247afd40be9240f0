package app

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/config"
	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/device"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/session"
	"github.com/ent0n29/viva/internal/transcript"
	"github.com/ent0n29/viva/internal/turns"
)

const deliverTimeout = 15 * time.Second

// Launcher builds session controllers wired to the configured transport,
// audio devices and transcript sink.
type Launcher struct {
	cfg       config.Config
	transport connector.Transport
	audio     *device.Audio
	sink      *transcript.Sink
	metrics   *observability.Metrics
	log       *logrus.Entry
}

func NewLauncher(cfg config.Config, transport connector.Transport, hw *device.Audio, sink *transcript.Sink, metrics *observability.Metrics, log *logrus.Entry) *Launcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Launcher{
		cfg:       cfg,
		transport: transport,
		audio:     hw,
		sink:      sink,
		metrics:   metrics,
		log:       log,
	}
}

// DeviceMode reports "malgo" when sessions use real hardware and "null" otherwise.
func (l *Launcher) DeviceMode() string {
	if l.audio != nil {
		return "malgo"
	}
	return "null"
}

// NewSession returns an idle controller. Its final history is delivered to
// the transcript sink once the session ends.
func (l *Launcher) NewSession(req session.StartRequest) *session.Controller {
	id := uuid.NewString()
	source, output := l.devices()
	c := session.NewController(l.transport, source, output, l.options(id, req))
	if l.sink != nil {
		c.OnFinal(func(final session.Final) {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			_, _ = l.sink.Deliver(ctx, final)
		})
	}
	return c
}

func (l *Launcher) devices() (session.Source, session.Output) {
	if l.audio == nil {
		return &device.NullSource{Rate: l.cfg.InputRate}, &device.NullOutput{}
	}
	return l.audio.NewCapture(20), l.audio.NewSpeaker(l.cfg.OutputRate)
}

func (l *Launcher) options(id string, req session.StartRequest) session.Options {
	cfg := l.cfg

	voice := strings.TrimSpace(req.VoiceName)
	if voice == "" {
		voice = cfg.VoiceName
	}
	instruction := strings.TrimSpace(req.SystemInstruction)
	if instruction == "" {
		instruction = cfg.SystemInstruction
	}
	recordPath := strings.TrimSpace(req.RecordPath)
	if recordPath == "" && cfg.RecordDir != "" {
		recordPath = filepath.Join(cfg.RecordDir, id+".wav")
	}

	proc := audio.DefaultProcessorConfig(0)
	proc.TargetRate = cfg.InputRate
	proc.CalibrationFrames = cfg.CalibrationFrames
	proc.NoiseMultiplier = cfg.NoiseMultiplier
	proc.ReleaseFrames = cfg.ReleaseFrames

	turnCfg := turns.DefaultConfig()
	turnCfg.EndMarker = cfg.EndMarker
	turnCfg.MaxLatency = cfg.MaxLatency

	log := l.log
	if req.StudentID != "" {
		log = log.WithField("student_id", req.StudentID)
	}

	return session.Options{
		ID: id,
		Connector: connector.Config{
			Model:             cfg.LiveModel,
			VoiceName:         voice,
			SystemInstruction: instruction,
			StartSensitivity:  connector.ParseSensitivity(cfg.StartSensitivity),
			EndSensitivity:    connector.ParseSensitivity(cfg.EndSensitivity),
			PrefixPadding:     cfg.PrefixPadding,
			SilenceDuration:   cfg.SilenceDuration,
			Interruptible:     cfg.Interruptible,
			InputRate:         cfg.InputRate,
			OutputRate:        cfg.OutputRate,
		},
		Processor:  proc,
		Turns:      turnCfg,
		RecordPath: recordPath,
		Metrics:    l.metrics,
		Logger:     log,
	}
}
