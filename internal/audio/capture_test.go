package audio

import (
	"math"
	"testing"
)

func sine(n int, amp float64) Frame {
	out := make(Frame, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*float64(i)/32))
	}
	return out
}

func TestProcessorDefaultLevelScale(t *testing.T) {
	cfg := DefaultProcessorConfig(16000)
	if cfg.LevelScale != 500 {
		t.Fatalf("LevelScale = %v, want 500", cfg.LevelScale)
	}
	frame := make(Frame, 320)
	for i := range frame {
		frame[i] = 0.1
	}
	if got := NewProcessor(cfg).Process(frame).Level; got != 50 {
		t.Fatalf("Level = %d, want 50 for RMS 0.1", got)
	}
}

func TestProcessorCalibratesAfterWindow(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(48000))
	silent := make(Frame, 960)
	for i := 0; i < 49; i++ {
		p.Process(silent)
		if p.Calibration().Calibrated {
			t.Fatalf("calibrated after %d frames, want 50", i+1)
		}
	}
	p.Process(silent)

	cal := p.Calibration()
	if !cal.Calibrated {
		t.Fatalf("Calibrated = false after calibration window")
	}
	if cal.Threshold < p.Config().MinFloor {
		t.Fatalf("Threshold = %v, want >= %v", cal.Threshold, p.Config().MinFloor)
	}
	if cal.FramesSeen != 50 {
		t.Fatalf("FramesSeen = %d, want 50", cal.FramesSeen)
	}
}

func TestProcessorThresholdTracksNoiseFloor(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(16000))
	noise := sine(320, 0.05)
	for i := 0; i < 50; i++ {
		p.Process(noise)
	}
	cal := p.Calibration()
	want := RMS(noise) * 3
	if math.Abs(cal.Threshold-want) > 1e-9 {
		t.Fatalf("Threshold = %v, want %v", cal.Threshold, want)
	}

	// Frozen: loud frames after calibration must not move the floor.
	for i := 0; i < 10; i++ {
		p.Process(sine(320, 0.9))
	}
	if got := p.Calibration(); got.NoiseFloor != cal.NoiseFloor || got.FramesSeen != 50 {
		t.Fatalf("calibration changed after freeze: %+v, was %+v", got, cal)
	}
}

func TestProcessorUsesDefaultThresholdBeforeCalibration(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(16000))
	res := p.Process(sine(320, 0.5))
	if !res.RawSpeaking || !res.Speaking {
		t.Fatalf("loud frame not classified as speech before calibration: %+v", res)
	}
}

func TestProcessorReleaseHold(t *testing.T) {
	cfg := DefaultProcessorConfig(16000)
	cfg.CalibrationFrames = 1
	cfg.ReleaseFrames = 2
	p := NewProcessor(cfg)
	p.Process(make(Frame, 320))

	if res := p.Process(sine(320, 0.5)); !res.Speaking {
		t.Fatalf("Speaking = false on loud frame")
	}
	quiet := make(Frame, 320)
	for i := 0; i < 2; i++ {
		res := p.Process(quiet)
		if res.RawSpeaking {
			t.Fatalf("RawSpeaking = true on silent frame")
		}
		if !res.Speaking {
			t.Fatalf("Speaking dropped after %d quiet frames, want hold of 2", i+1)
		}
	}
	if res := p.Process(quiet); res.Speaking {
		t.Fatalf("Speaking = true after release window")
	}
}

func TestProcessorResamplesToTarget(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(48000))
	res := p.Process(sine(960, 0.2))
	if len(res.PCM) != 320 {
		t.Fatalf("len(PCM) = %d, want 320", len(res.PCM))
	}
}
