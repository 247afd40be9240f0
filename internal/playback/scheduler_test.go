package playback

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/viva/internal/audio"
)

func pcmOf(ms int, rate int) []int16 {
	return make([]int16, rate*ms/1000)
}

func TestSchedulerSegmentsNeverOverlap(t *testing.T) {
	clock := &ManualClock{}
	s := NewScheduler(clock, Discard{}, 24000)

	var segs []Segment
	for i, ms := range []int{200, 50, 300, 120} {
		if i == 2 {
			clock.Advance(100 * time.Millisecond)
		}
		seg, err := s.EnqueuePCM(pcmOf(ms, 24000))
		if err != nil {
			t.Fatalf("EnqueuePCM() error = %v", err)
		}
		segs = append(segs, seg)
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].StartAt < segs[i-1].End() {
			t.Fatalf("segment %d starts at %v before previous end %v", i, segs[i].StartAt, segs[i-1].End())
		}
	}
	if segs[1].StartAt != 200*time.Millisecond {
		t.Fatalf("segs[1].StartAt = %v, want 200ms", segs[1].StartAt)
	}
}

func TestSchedulerStartsAtNowAfterGap(t *testing.T) {
	clock := &ManualClock{}
	s := NewScheduler(clock, Discard{}, 16000)
	if _, err := s.EnqueuePCM(pcmOf(100, 16000)); err != nil {
		t.Fatalf("EnqueuePCM() error = %v", err)
	}
	clock.Set(time.Second)
	seg, err := s.EnqueuePCM(pcmOf(100, 16000))
	if err != nil {
		t.Fatalf("EnqueuePCM() error = %v", err)
	}
	if seg.StartAt != time.Second {
		t.Fatalf("StartAt = %v, want 1s", seg.StartAt)
	}
}

func TestSchedulerAdvanceSignalsFinish(t *testing.T) {
	clock := &ManualClock{}
	s := NewScheduler(clock, Discard{}, 24000)
	_, _ = s.EnqueuePCM(pcmOf(100, 24000))
	_, _ = s.EnqueuePCM(pcmOf(100, 24000))
	if !s.Speaking() {
		t.Fatalf("Speaking() = false after enqueue")
	}

	clock.Set(150 * time.Millisecond)
	if s.Advance() {
		t.Fatalf("Advance() = true with a segment still playing")
	}
	clock.Set(200 * time.Millisecond)
	if !s.Advance() {
		t.Fatalf("Advance() = false after last segment ended")
	}
	if s.Speaking() {
		t.Fatalf("Speaking() = true after finish")
	}
	if got := s.TotalSpeaking(); got != 200*time.Millisecond {
		t.Fatalf("TotalSpeaking() = %v, want 200ms", got)
	}
	if s.Advance() {
		t.Fatalf("Advance() on idle scheduler = true")
	}
}

func TestSchedulerDecodeErrorSkipsSegment(t *testing.T) {
	clock := &ManualClock{}
	s := NewScheduler(clock, Discard{}, 24000)

	if _, err := s.Enqueue("%%%not-base64"); !errors.Is(err, ErrDecode) {
		t.Fatalf("error = %v, want ErrDecode", err)
	}
	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if _, err := s.Enqueue(odd); !errors.Is(err, ErrDecode) {
		t.Fatalf("error = %v, want ErrDecode", err)
	}
	if s.Speaking() {
		t.Fatalf("failed decode scheduled audio")
	}

	good := base64.StdEncoding.EncodeToString(audio.PCM16Bytes(pcmOf(10, 24000)))
	seg, err := s.Enqueue(good)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if seg.Duration != 10*time.Millisecond {
		t.Fatalf("Duration = %v, want 10ms", seg.Duration)
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	clock := &ManualClock{}
	tl := NewTimeline(24000)
	s := NewScheduler(clock, tl, 24000)
	_, _ = s.EnqueuePCM(pcmOf(500, 24000))
	clock.Set(100 * time.Millisecond)

	if !s.Stop() {
		t.Fatalf("Stop() = false while playing")
	}
	if s.Stop() {
		t.Fatalf("second Stop() = true")
	}
	if got := s.TotalSpeaking(); got != 100*time.Millisecond {
		t.Fatalf("TotalSpeaking() = %v, want 100ms", got)
	}

	s.Close()
	s.Close()
	if _, err := s.EnqueuePCM(pcmOf(10, 24000)); !errors.Is(err, ErrClosed) {
		t.Fatalf("error = %v, want ErrClosed", err)
	}
}

func TestTimelineRendersScheduledAudio(t *testing.T) {
	tl := NewTimeline(1000)
	_ = tl.Play(2*time.Millisecond, []int16{1, 2, 3})

	out := make([]int16, 4)
	tl.Render(out)
	want := []int16{0, 0, 1, 2}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
	if got := tl.Now(); got != 4*time.Millisecond {
		t.Fatalf("Now() = %v, want 4ms", got)
	}

	tl.Render(out)
	want = []int16{3, 0, 0, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("second render out[%d] = %d, want %d", i, out[i], want[i])
		}
	}
}

func TestSchedulerOddLengthSegmentsStayContiguous(t *testing.T) {
	tl := NewTimeline(24000)
	s := NewScheduler(tl, tl, 24000)

	// 100 samples at 24kHz is not a whole number of nanoseconds.
	for v := int16(1); v <= 3; v++ {
		seg := make([]int16, 100)
		for i := range seg {
			seg[i] = v
		}
		if _, err := s.EnqueuePCM(seg); err != nil {
			t.Fatalf("EnqueuePCM() error = %v", err)
		}
	}

	out := make([]int16, 300)
	tl.Render(out)
	for i, got := range out {
		if want := int16(i/100 + 1); got != want {
			t.Fatalf("out[%d] = %d, want %d", i, got, want)
		}
	}
}

func TestTimelineFlushSilences(t *testing.T) {
	tl := NewTimeline(1000)
	_ = tl.Play(0, []int16{5, 5, 5})
	tl.Flush()
	out := make([]int16, 3)
	tl.Render(out)
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %d after flush, want 0", i, v)
		}
	}
}
