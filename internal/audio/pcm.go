package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Frame is one block of mono float samples at the capture device's native rate.
type Frame []float32

var ErrOddPCMLength = errors.New("pcm16 payload has odd byte length")

// RMS returns the root-mean-square energy of samples in [-1,1].
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Level maps an RMS value onto the [0,100] meter range.
func Level(rms, scale float64) int {
	if rms <= 0 || scale <= 0 {
		return 0
	}
	v := math.Round(rms * scale)
	if v > 100 {
		return 100
	}
	return int(v)
}

// Resample converts in from nativeRate to targetRate using linear interpolation.
// Equal rates return an unmodified copy.
func Resample(in []float32, nativeRate, targetRate int) []float32 {
	if len(in) == 0 {
		return nil
	}
	if nativeRate <= 0 || targetRate <= 0 || nativeRate == targetRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(nativeRate) / float64(targetRate)
	n := int(math.Floor(float64(len(in)) / ratio))
	if n <= 0 {
		return nil
	}
	last := len(in) - 1
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		hi := int(math.Ceil(pos))
		if lo > last {
			lo = last
		}
		if hi > last {
			hi = last
		}
		f := pos - math.Floor(pos)
		out[i] = float32(float64(in[lo])*(1-f) + float64(in[hi])*f)
	}
	return out
}

// EncodePCM16 converts float samples to signed 16-bit integers via round(clamp(x,-1,1)*32767).
func EncodePCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * 32767))
	}
	return out
}

// PCM16Bytes serialises samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian 16-bit PCM.
func DecodePCM16(raw []byte) ([]int16, error) {
	if len(raw)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out, nil
}

// DurationOf returns how long n mono samples last at sampleRate.
// SampleIndex converts a position on an output clock to the nearest sample.
func SampleIndex(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return (int64(d)*int64(sampleRate) + int64(time.Second)/2) / int64(time.Second)
}

func DurationOf(n, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
