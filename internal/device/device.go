// Package device connects sessions to real or null audio hardware.
package device

import (
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/playback"
)

var ErrUnavailable = errors.New("audio devices unavailable in this build")

// NullSource is a capture source that never produces frames. The channel
// stays open until Close.
type NullSource struct {
	Rate int

	mu     sync.Mutex
	frames chan audio.Frame
}

func (s *NullSource) Open() (<-chan audio.Frame, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		close(s.frames)
	}
	s.frames = make(chan audio.Frame)
	rate := s.Rate
	if rate <= 0 {
		rate = 16000
	}
	return s.frames, rate, nil
}

func (s *NullSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames != nil {
		close(s.frames)
		s.frames = nil
	}
	return nil
}

// NullOutput discards assistant audio and measures output time on the wall clock.
type NullOutput struct {
	playback.Discard

	mu    sync.Mutex
	clock *playback.WallClock
}

func (o *NullOutput) Start() error {
	o.mu.Lock()
	o.clock = playback.NewWallClock()
	o.mu.Unlock()
	return nil
}

func (o *NullOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.clock == nil {
		return 0
	}
	return o.clock.Now()
}

func (o *NullOutput) Close() error { return nil }
