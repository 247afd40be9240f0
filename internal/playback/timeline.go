package playback

import (
	"sync"
	"time"

	"github.com/ent0n29/viva/internal/audio"
)

type scheduledPCM struct {
	start int64
	pcm   []int16
}

// Timeline is a sample-accurate output clock and sink. The audio device pulls
// from it with Render; Now advances only as samples are rendered.
type Timeline struct {
	mu         sync.Mutex
	sampleRate int
	pos        int64
	queue      []scheduledPCM
}

func NewTimeline(sampleRate int) *Timeline {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Timeline{sampleRate: sampleRate}
}

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.pos) * time.Second / time.Duration(t.sampleRate)
}

func (t *Timeline) Play(at time.Duration, pcm []int16) error {
	start := audio.SampleIndex(at, t.sampleRate)
	buf := make([]int16, len(pcm))
	copy(buf, pcm)

	t.mu.Lock()
	defer t.mu.Unlock()
	if start < t.pos {
		start = t.pos
	}
	t.queue = append(t.queue, scheduledPCM{start: start, pcm: buf})
	return nil
}

func (t *Timeline) Flush() {
	t.mu.Lock()
	t.queue = nil
	t.mu.Unlock()
}

// Render fills out with the samples due at the current position and advances
// the clock by len(out). Gaps render as silence.
func (t *Timeline) Render(out []int16) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()
	end := t.pos + int64(len(out))
	keep := t.queue[:0]
	for _, s := range t.queue {
		sEnd := s.start + int64(len(s.pcm))
		if sEnd <= t.pos {
			continue
		}
		if s.start < end {
			from := max(s.start, t.pos)
			to := min(sEnd, end)
			copy(out[from-t.pos:to-t.pos], s.pcm[from-s.start:to-s.start])
		}
		if sEnd > end {
			keep = append(keep, s)
		}
	}
	t.queue = keep
	t.pos = end
}

// ManualClock is a Clock moved explicitly by its owner.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = d
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// WallClock measures output time from its creation. It stands in for a device
// clock when audio is discarded.
type WallClock struct {
	start time.Time
}

func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (c *WallClock) Now() time.Duration {
	return time.Since(c.start)
}

// Discard is a Sink that drops all audio.
type Discard struct{}

func (Discard) Play(time.Duration, []int16) error { return nil }
