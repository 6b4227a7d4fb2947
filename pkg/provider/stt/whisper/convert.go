package whisper

import "github.com/MrWong99/earmark/pkg/audio"

// modelSampleRate is the only rate whisper models accept.
const modelSampleRate = 16000

// prepareSamples resamples mono float samples to the model rate. Input that is
// already at 16 kHz is returned unchanged.
func prepareSamples(samples []float32, sampleRate int) []float32 {
	return audio.Resample(samples, sampleRate, modelSampleRate)
}
