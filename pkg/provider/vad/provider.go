// Package vad defines the Engine interface for voice-activity classifiers.
//
// A classifier turns a short window of mono float samples into a speech
// probability in [0, 1]. The boundary detector calls it once per poll with the
// trailing window of the live sample buffer and compares the result against a
// fixed threshold; everything stateful about "is someone talking" lives in the
// detector, not in the classifier.
//
// Engines are built once per recording session from a [Config]. Construction
// may fail (unsupported rate, missing model) and that failure aborts the session
// before capture begins. A failing Classify call is treated by the detector as
// the classifier becoming unavailable, which also ends the session.
//
// A single Classifier is only ever driven by one goroutine. Implementations
// need not be safe for concurrent use unless documented.
package vad

import (
	"errors"
	"math"
)

// ErrUnsupportedRate is returned by an [Engine] that cannot classify audio at
// the requested sample rate.
var ErrUnsupportedRate = errors.New("vad: unsupported sample rate")

// Config holds the parameters for a classifier.
type Config struct {
	// SampleRate is the rate of the samples passed to Classify, in Hz.
	SampleRate int

	// ChunkSize is the number of trailing samples the detector submits per
	// call. Classify may receive fewer while the buffer is still filling.
	ChunkSize int
}

// Classifier scores a window of mono float samples.
type Classifier interface {
	// Classify returns the probability, in [0, 1], that window contains speech.
	// An empty window must return 0 and no error. A non-nil error means the
	// classifier can no longer be used.
	Classify(window []float32) (float64, error)

	// Close releases any native resources. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Engine builds classifiers. It is the top-level interface implemented by each
// VAD backend.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewClassifier returns a classifier for cfg. Returns an error if the
	// configuration is unsupported or native resources cannot be allocated.
	NewClassifier(cfg Config) (Classifier, error)
}

// Clamp limits p to [0, 1]. NaN maps to 0.
func Clamp(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
