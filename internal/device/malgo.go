//go:build cgo

package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/playback"
)

// Audio owns the miniaudio context shared by capture and playback devices.
type Audio struct {
	ctx *malgo.AllocatedContext
	log *logrus.Entry
}

func OpenAudio(log *logrus.Entry) (*Audio, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.WithField("component", "miniaudio").Debug(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Audio{ctx: ctx, log: log}, nil
}

func (a *Audio) Close() error {
	err := a.ctx.Uninit()
	a.ctx.Free()
	return err
}

// Capture reads mono float32 frames from the default input device.
type Capture struct {
	audio    *Audio
	periodMs uint32

	mu      sync.Mutex
	dev     *malgo.Device
	frames  chan audio.Frame
	closing atomic.Bool
	once    *sync.Once
	dropped atomic.Int64
}

func (a *Audio) NewCapture(periodMs int) *Capture {
	if periodMs <= 0 {
		periodMs = 20
	}
	return &Capture{audio: a, periodMs: uint32(periodMs)}
}

// Open starts the input device at its native rate. Frames are dropped when
// the consumer falls behind.
func (c *Capture) Open() (<-chan audio.Frame, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return nil, 0, fmt.Errorf("capture already open")
	}

	frames := make(chan audio.Frame, 64)
	once := &sync.Once{}
	finish := func() { once.Do(func() { close(frames) }) }
	c.closing.Store(false)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.PeriodSizeInMilliseconds = c.periodMs
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if frameCount == 0 || c.closing.Load() {
				return
			}
			frame := make(audio.Frame, frameCount)
			for i := range frame {
				frame[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
			}
			select {
			case frames <- frame:
			default:
				c.dropped.Add(1)
			}
		},
		Stop: func() {
			// Device lost: end the stream so the session notices.
			if !c.closing.Load() {
				c.audio.log.Warn("capture device stopped")
				finish()
			}
		},
	}

	dev, err := malgo.InitDevice(c.audio.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, 0, fmt.Errorf("open capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, 0, fmt.Errorf("start capture device: %w", err)
	}
	c.dev = dev
	c.frames = frames
	c.once = once
	return frames, int(dev.SampleRate()), nil
}

// Dropped reports frames lost to a slow consumer.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	c.closing.Store(true)
	err := c.dev.Stop()
	c.dev.Uninit()
	c.dev = nil
	frames, once := c.frames, c.once
	once.Do(func() { close(frames) })
	c.frames = nil
	if err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

// Speaker plays a playback.Timeline on the default output device. Its clock
// is the number of samples the device has pulled.
type Speaker struct {
	*playback.Timeline

	audio      *Audio
	sampleRate int

	mu  sync.Mutex
	dev *malgo.Device
	buf []int16
}

func (a *Audio) NewSpeaker(sampleRate int) *Speaker {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Speaker{Timeline: playback.NewTimeline(sampleRate), audio: a, sampleRate: sampleRate}
}

// Start opens and resumes the output device. It is a no-op when running.
func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return nil
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(s.sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if cap(s.buf) < n {
				s.buf = make([]int16, n)
			}
			buf := s.buf[:n]
			s.Render(buf)
			for i, v := range buf {
				binary.LittleEndian.PutUint16(output[i*2:], uint16(v))
			}
		},
	}

	dev, err := malgo.InitDevice(s.audio.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("open output device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("start output device: %w", err)
	}
	s.dev = dev
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flush()
	if s.dev == nil {
		return nil
	}
	err := s.dev.Stop()
	s.dev.Uninit()
	s.dev = nil
	if err != nil {
		return fmt.Errorf("stop output device: %w", err)
	}
	return nil
}
