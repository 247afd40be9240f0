package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/reliability"
)

var (
	ErrDecode = reliability.Tag(reliability.CategoryDecode, errors.New("decode output segment"))
	ErrClosed = errors.New("playback scheduler closed")
)

// Clock reports the position of the output device.
type Clock interface {
	Now() time.Duration
}

// Sink receives decoded PCM together with its start time on the output clock.
type Sink interface {
	Play(at time.Duration, pcm []int16) error
}

// Flusher is implemented by sinks that can drop audio they have already accepted.
type Flusher interface {
	Flush()
}

type Segment struct {
	ID       int
	StartAt  time.Duration
	Duration time.Duration
	Samples  int
}

func (s Segment) End() time.Duration {
	return s.StartAt + s.Duration
}

// Scheduler places decoded assistant audio back to back on the output clock
// and tracks when the assistant is audible.
type Scheduler struct {
	mu sync.Mutex

	clock      Clock
	sink       Sink
	sampleRate int

	// next is the first free sample on the output clock. Keeping it in
	// samples stops nanosecond truncation from overlapping segments.
	next     int64
	active   []Segment
	total    time.Duration
	seq      int
	closed   bool
	segments int
}

func NewScheduler(clock Clock, sink Sink, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Scheduler{clock: clock, sink: sink, sampleRate: sampleRate}
}

func (s *Scheduler) SampleRate() int { return s.sampleRate }

// Enqueue decodes a base64 PCM16 segment and schedules it. A segment that
// fails to decode is reported with ErrDecode and leaves the schedule untouched.
func (s *Scheduler) Enqueue(segmentBase64 string) (Segment, error) {
	raw, err := base64.StdEncoding.DecodeString(segmentBase64)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	pcm, err := audio.DecodePCM16(raw)
	if err != nil {
		return Segment{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return s.EnqueuePCM(pcm)
}

// EnqueuePCM schedules pcm at max(next start, now).
func (s *Scheduler) EnqueuePCM(pcm []int16) (Segment, error) {
	if len(pcm) == 0 {
		return Segment{}, fmt.Errorf("%w: empty segment", ErrDecode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Segment{}, ErrClosed
	}

	start := max(s.next, audio.SampleIndex(s.clock.Now(), s.sampleRate))
	s.seq++
	seg := Segment{
		ID:       s.seq,
		StartAt:  s.at(start),
		Duration: audio.DurationOf(len(pcm), s.sampleRate),
		Samples:  len(pcm),
	}
	if s.sink != nil {
		if err := s.sink.Play(seg.StartAt, pcm); err != nil {
			return Segment{}, fmt.Errorf("schedule segment %d: %w", seg.ID, err)
		}
	}
	s.next = start + int64(len(pcm))
	s.active = append(s.active, seg)
	s.segments++
	return seg, nil
}

// Advance retires every segment that has finished playing. It reports true
// when the last active segment finished during this call.
func (s *Scheduler) Advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) == 0 {
		return false
	}

	now := s.clock.Now()
	keep := s.active[:0]
	for _, seg := range s.active {
		if seg.End() <= now {
			s.total += seg.Duration
			continue
		}
		keep = append(keep, seg)
	}
	s.active = keep
	return len(s.active) == 0
}

// Stop drops every scheduled segment, counting only the portion already
// heard. It reports whether anything was playing and can be called repeatedly.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Scheduler) stopLocked() bool {
	if f, ok := s.sink.(Flusher); ok {
		f.Flush()
	}
	if len(s.active) == 0 {
		return false
	}
	now := s.clock.Now()
	for _, seg := range s.active {
		switch {
		case seg.End() <= now:
			s.total += seg.Duration
		case seg.StartAt < now:
			s.total += now - seg.StartAt
		}
	}
	s.active = nil
	s.next = audio.SampleIndex(now, s.sampleRate)
	return true
}

// Close stops playback and rejects further segments.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked()
	s.closed = true
}

func (s *Scheduler) at(sample int64) time.Duration {
	return time.Duration(sample * int64(time.Second) / int64(s.sampleRate))
}

func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// TotalSpeaking is the accumulated duration of finished assistant audio.
func (s *Scheduler) TotalSpeaking() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Scheduler) Active() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Segment, len(s.active))
	copy(out, s.active)
	return out
}

func (s *Scheduler) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}
