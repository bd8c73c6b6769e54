package audio

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// InputSampleRate is the rate of microphone frames sent to agents.
	InputSampleRate = 16000
	// OutputSampleRate is the rate agents speak at and the master bus runs at.
	OutputSampleRate = 24000
	// FrameSamples is the capture buffer size, in samples, per outbound frame.
	FrameSamples = 4096

	InputMIMEType = "audio/pcm;rate=16000"
)

var ErrMalformedAudio = errors.New("malformed pcm16 audio")

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM. Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		normalized := float64(int16(pcm[i])|int16(pcm[i+1])<<8) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude, 0.0 to 1.0.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		// float64 so that -32768 does not overflow on negation
		abs := math.Abs(float64(int16(pcm[i]) | int16(pcm[i+1])<<8))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// DecodePCM16 converts little-endian PCM16 bytes to samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrMalformedAudio)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudio, len(pcm))
	}
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
	}
	return out, nil
}

// EncodePCM16 converts samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = int16(math.Round(v))
	}
	return out
}

// MixInto adds src onto dst sample by sample, clipping to the int16 range.
// dst keeps its length; extra src samples are ignored.
func MixInto(dst, src []int16) {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = clip16(int32(dst[i]) + int32(src[i]))
	}
}

func clip16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// SampleRateFromMIME extracts the rate parameter of an "audio/pcm;rate=N" type.
// Returns def when absent or unparsable.
func SampleRateFromMIME(mime string, def int) int {
	for _, part := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "rate") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return def
		}
		return n
	}
	return def
}

// DecodeChunk turns an inbound wire chunk into OutputSampleRate samples.
func DecodeChunk(data []byte, mime string) ([]int16, error) {
	samples, err := DecodePCM16(data)
	if err != nil {
		return nil, err
	}
	if mime != "" && !strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "audio/pcm") {
		return nil, fmt.Errorf("%w: unsupported mime type %q", ErrMalformedAudio, mime)
	}
	return Resample(samples, SampleRateFromMIME(mime, OutputSampleRate), OutputSampleRate), nil
}

func samplesToDuration(samples int64, rate int) time.Duration {
	return time.Duration(samples * int64(time.Second) / int64(rate))
}

func durationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// SampleDuration is the playback length of n samples at rate.
func SampleDuration(n int, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return samplesToDuration(int64(n), rate)
}
