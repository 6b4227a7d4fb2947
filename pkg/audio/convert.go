package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BitsPerSample is the integer sample width written by sinks and encoders.
const BitsPerSample = 16

// QuantStep is the amplitude represented by one 16-bit quantization step.
const QuantStep = 1.0 / math.MaxInt16

// Quantize clamps s to [-1, 1] and scales it to a signed 16-bit sample. The
// fractional part is truncated toward zero, so the absolute error after
// [Dequantize] is always below [QuantStep]. NaN maps to 0.
func Quantize(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	s = min(max(s, -1), 1)
	return int16(s * math.MaxInt16)
}

// Dequantize maps a 16-bit sample back to a float amplitude in [-1, 1].
// -32768 is the only value outside the range that Quantize produces and is
// clamped to -1.
func Dequantize(v int16) float32 {
	return max(float32(v)/math.MaxInt16, -1)
}

// QuantizeAll quantizes every sample of in.
func QuantizeAll(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = Quantize(s)
	}
	return out
}

// PCM16 encodes samples as little-endian signed 16-bit PCM bytes.
func PCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(Quantize(s)))
	}
	return buf
}

// Downmix averages interleaved multi-channel frames into mono. If channels is
// 1 or less the input is returned unchanged (zero allocation). Trailing
// samples that do not form a whole frame are dropped.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is invalid, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RMS returns the root-mean-square amplitude of samples, or 0 when empty.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodeWAV returns an in-memory RIFF/WAVE image of mono samples quantized to
// 16-bit PCM. It is meant for uploads; files on disk go through a sink.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const channels = 1
	byteRate := sampleRate * channels * BitsPerSample / 8
	blockAlign := channels * BitsPerSample / 8
	dataSize := len(samples) * blockAlign

	buf := make([]byte, 44, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	return append(buf, PCM16(samples)...)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
