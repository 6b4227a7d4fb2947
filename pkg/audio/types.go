package audio

import (
	"fmt"
	"math"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for speech models, 48000 for most USB mics).
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate reports an error when the format cannot describe real audio.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: invalid channel count %d", f.Channels)
	}
	return nil
}

// Clip is an owned span of mono float samples together with the format they
// were captured in. A drained utterance travels through the sink and
// transcription stages as a Clip.
type Clip struct {
	// Samples are mono float32 amplitudes, nominally in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return SamplesToDuration(len(c.Samples), c.SampleRate)
}

// SamplesToDuration converts a mono sample count at rate into a duration.
// A non-positive rate yields zero.
func SamplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// CeilSamples returns ceil(seconds*rate), clamped at zero.
func CeilSamples(seconds float64, rate int) int {
	return max(int(math.Ceil(seconds*float64(rate))), 0)
}
