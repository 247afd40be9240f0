package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/reliability"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StateEnded      State = "ended"
	StateError      State = "error"
)

type Sensitivity string

const (
	SensitivityHigh Sensitivity = "HIGH"
	SensitivityLow  Sensitivity = "LOW"
)

func ParseSensitivity(raw string) Sensitivity {
	if strings.EqualFold(strings.TrimSpace(raw), string(SensitivityLow)) {
		return SensitivityLow
	}
	return SensitivityHigh
}

var (
	ErrAlreadyStarted = errors.New("connector already started")
	ErrClosed         = errors.New("connector closed")
)

// Config is negotiated with the remote endpoint on connect.
type Config struct {
	Model             string
	VoiceName         string
	SystemInstruction string

	StartSensitivity Sensitivity
	EndSensitivity   Sensitivity
	PrefixPadding    time.Duration
	SilenceDuration  time.Duration
	// Interruptible lets new user activity cut off assistant speech.
	Interruptible bool

	InputRate  int
	OutputRate int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = "gemini-2.0-flash-live-001"
	}
	if c.StartSensitivity == "" {
		c.StartSensitivity = SensitivityHigh
	}
	if c.EndSensitivity == "" {
		c.EndSensitivity = SensitivityHigh
	}
	if c.InputRate <= 0 {
		c.InputRate = 16000
	}
	if c.OutputRate <= 0 {
		c.OutputRate = 24000
	}
	return c
}

// Stream is one open connection to the dialogue endpoint.
type Stream interface {
	Send(chunk protocol.MediaChunk) error
	// Recv blocks for the next server message. One message may carry several events.
	Recv() ([]protocol.ServerEvent, error)
	Close() error
}

type Transport interface {
	Dial(ctx context.Context, cfg Config) (Stream, error)
}

// Connector owns the lifecycle of one streaming connection and demultiplexes
// its inbound events in arrival order.
type Connector struct {
	transport Transport
	log       *logrus.Entry
	now       func() time.Time

	mu     sync.Mutex
	state  State
	cfg    Config
	stream Stream
	seq    int
	sent   int

	events    chan protocol.ServerEvent
	done      chan struct{}
	closeOnce sync.Once
	eventOnce sync.Once
}

type Option func(*Connector)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Connector) {
		if log != nil {
			c.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Connector) {
		if now != nil {
			c.now = now
		}
	}
}

func New(transport Transport, opts ...Option) *Connector {
	c := &Connector{
		transport: transport,
		log:       logrus.NewEntry(logrus.StandardLogger()),
		now:       time.Now,
		state:     StateIdle,
		events:    make(chan protocol.ServerEvent, 256),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Events is closed after the final Closed or Error event.
func (c *Connector) Events() <-chan protocol.ServerEvent { return c.events }

// Connect opens the stream. Cancelling ctx abandons setup and returns the
// connector to Idle.
func (c *Connector) Connect(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrClosed
	default:
	}
	c.state = StateConnecting
	c.cfg = cfg
	c.mu.Unlock()

	stream, err := c.transport.Dial(ctx, cfg)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			if ctx.Err() != nil {
				c.state = StateIdle
			} else {
				c.state = StateError
			}
		}
		c.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("connect abandoned: %w", ctxErr)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosed
	}
	c.state = StateLive
	c.stream = stream
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"model": cfg.Model, "voice": cfg.VoiceName}).Info("connector live")
	go c.readLoop(stream)
	return nil
}

// SendAudio forwards one encoded capture frame. Frames sent while the
// connector is not live are dropped without error.
func (c *Connector) SendAudio(pcm []int16) error {
	if len(pcm) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.state != StateLive || c.stream == nil {
		c.mu.Unlock()
		return nil
	}
	c.seq++
	chunk := protocol.MediaChunk{Seq: c.seq, SampleRate: c.cfg.InputRate, PCM: audio.PCM16Bytes(pcm)}
	stream := c.stream
	c.mu.Unlock()

	if err := stream.Send(chunk); err != nil {
		if c.State() != StateLive {
			return nil
		}
		return fmt.Errorf("send audio: %w", err)
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// SentChunks reports how many media chunks reached the stream.
func (c *Connector) SentChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Close is idempotent and safe on a connector that never opened.
func (c *Connector) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stream := c.stream
		switch c.state {
		case StateConnecting, StateLive:
			c.state = StateEnded
		}
		c.mu.Unlock()

		close(c.done)
		if stream != nil {
			err = stream.Close()
		} else {
			c.finish()
		}
	})
	return err
}

func (c *Connector) readLoop(stream Stream) {
	defer c.finish()
	for {
		events, err := stream.Recv()
		if err != nil {
			c.handleRecvError(err)
			return
		}
		for _, ev := range events {
			if ev.TSMs <= 0 {
				ev.TSMs = c.now().UnixMilli()
			}
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *Connector) handleRecvError(err error) {
	c.mu.Lock()
	closedLocally := c.state == StateEnded
	clean := closedLocally || reliability.IsCleanClose(err)
	if clean {
		c.state = StateEnded
	} else {
		c.state = StateError
	}
	c.mu.Unlock()

	ts := c.now().UnixMilli()
	if clean {
		c.log.Info("connector closed")
		c.emit(protocol.ServerEvent{Kind: protocol.KindClosed, TSMs: ts})
		return
	}
	c.log.WithError(err).WithField("code", reliability.Code(err)).Warn("connector stream failed")
	c.emit(protocol.ServerEvent{Kind: protocol.KindError, Detail: err.Error(), Err: err, TSMs: ts})
}

func (c *Connector) emit(ev protocol.ServerEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		// Nobody is reading after Close; deliver only if there is room.
		select {
		case c.events <- ev:
		default:
		}
		return false
	}
}

func (c *Connector) finish() {
	c.eventOnce.Do(func() { close(c.events) })
}
