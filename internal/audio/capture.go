package audio

import "math"

// ProcessorConfig tunes level metering, noise calibration and voice activity.
type ProcessorConfig struct {
	NativeRate int
	TargetRate int

	// CalibrationFrames is the number of leading frames averaged into the noise floor.
	CalibrationFrames int
	MinFloor          float64
	NoiseMultiplier   float64
	// DefaultThreshold applies until calibration completes.
	DefaultThreshold float64
	LevelScale       float64

	// ReleaseFrames keeps Speaking true for this many consecutive quiet frames
	// after the raw decision drops.
	ReleaseFrames int
}

func DefaultProcessorConfig(nativeRate int) ProcessorConfig {
	return ProcessorConfig{
		NativeRate:        nativeRate,
		TargetRate:        16000,
		CalibrationFrames: 50,
		MinFloor:          0.01,
		NoiseMultiplier:   3,
		DefaultThreshold:  0.02,
		LevelScale:        500,
		ReleaseFrames:     8,
	}
}

// NoiseCalibration is frozen once Calibrated is true.
type NoiseCalibration struct {
	NoiseFloor float64 `json:"noise_floor"`
	Threshold  float64 `json:"threshold"`
	Calibrated bool    `json:"calibrated"`
	FramesSeen int     `json:"frames_seen"`
}

// FrameResult is what the processor emits for every captured frame.
type FrameResult struct {
	RMS         float64
	Level       int
	RawSpeaking bool
	Speaking    bool
	PCM         []int16
}

// Processor turns raw capture frames into level, voice activity and
// endpoint-ready PCM. It is owned by a single goroutine.
type Processor struct {
	cfg      ProcessorConfig
	cal      NoiseCalibration
	rmsSum   float64
	speaking bool
	quietRun int
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig(cfg.NativeRate)
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = def.TargetRate
	}
	if cfg.NativeRate <= 0 {
		cfg.NativeRate = cfg.TargetRate
	}
	if cfg.CalibrationFrames <= 0 {
		cfg.CalibrationFrames = def.CalibrationFrames
	}
	if cfg.MinFloor <= 0 {
		cfg.MinFloor = def.MinFloor
	}
	if cfg.NoiseMultiplier <= 0 {
		cfg.NoiseMultiplier = def.NoiseMultiplier
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.LevelScale <= 0 {
		cfg.LevelScale = def.LevelScale
	}
	if cfg.ReleaseFrames < 0 {
		cfg.ReleaseFrames = 0
	}
	return &Processor{
		cfg: cfg,
		cal: NoiseCalibration{Threshold: cfg.DefaultThreshold},
	}
}

func (p *Processor) Config() ProcessorConfig { return p.cfg }

func (p *Processor) Calibration() NoiseCalibration { return p.cal }

// Process handles one frame.
func (p *Processor) Process(frame Frame) FrameResult {
	rms := RMS(frame)
	p.calibrate(rms)

	raw := rms > p.cal.Threshold
	switch {
	case raw:
		p.speaking = true
		p.quietRun = 0
	case p.speaking:
		p.quietRun++
		if p.quietRun > p.cfg.ReleaseFrames {
			p.speaking = false
			p.quietRun = 0
		}
	}

	return FrameResult{
		RMS:         rms,
		Level:       Level(rms, p.cfg.LevelScale),
		RawSpeaking: raw,
		Speaking:    p.speaking,
		PCM:         EncodePCM16(Resample(frame, p.cfg.NativeRate, p.cfg.TargetRate)),
	}
}

func (p *Processor) calibrate(rms float64) {
	if p.cal.Calibrated {
		return
	}
	p.rmsSum += rms
	p.cal.FramesSeen++
	if p.cal.FramesSeen < p.cfg.CalibrationFrames {
		return
	}
	p.cal.NoiseFloor = p.rmsSum / float64(p.cal.FramesSeen)
	p.cal.Threshold = math.Max(p.cfg.MinFloor, p.cal.NoiseFloor*p.cfg.NoiseMultiplier)
	p.cal.Calibrated = true
}
