package live

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Sample rates of the live session, mono 16-bit.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// Float32ToPCM16 converts samples in [-1, 1] to little-endian signed 16-bit PCM. Values
// outside the range are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		// NaN passes both bound checks and has no defined int16 conversion.
		if math.IsNaN(float64(s)) {
			s = 0
		}
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// EncodePCM16Base64 converts samples to PCM16 and base64 encodes the raw bytes.
func EncodePCM16Base64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Float32ToPCM16(samples))
}

// DecodePCM16 converts little-endian PCM16 into float samples in [-1, 1).
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm16 data has odd length")
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// PCMDuration returns the playback length of n bytes of mono PCM16 at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
