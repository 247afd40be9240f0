//go:build !cgo

package device

import (
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/playback"
)

// Audio is unavailable without cgo; sessions fall back to null devices.
type Audio struct{}

func OpenAudio(*logrus.Entry) (*Audio, error) { return nil, ErrUnavailable }

func (a *Audio) Close() error { return nil }

type Capture struct{}

func (a *Audio) NewCapture(int) *Capture { return &Capture{} }

func (c *Capture) Open() (<-chan audio.Frame, int, error) { return nil, 0, ErrUnavailable }

func (c *Capture) Dropped() int64 { return 0 }

func (c *Capture) Close() error { return nil }

type Speaker struct {
	*playback.Timeline
}

func (a *Audio) NewSpeaker(sampleRate int) *Speaker {
	return &Speaker{Timeline: playback.NewTimeline(sampleRate)}
}

func (s *Speaker) Start() error { return ErrUnavailable }

func (s *Speaker) Close() error { return nil }
