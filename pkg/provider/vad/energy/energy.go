// Package energy provides a pure-Go vad.Engine that scores windows by their RMS
// energy. It needs no native library or model file and is the fallback when
// WebRTC VAD is unavailable or the capture rate is not one it supports.
//
// The probability is a soft knee over the window RMS:
//
//	p = rms / (rms + knee)
//
// so a window whose RMS equals the knee scores 0.5, silence scores 0 and loud
// input approaches 1. With the default detector threshold of 0.75 a window
// must reach three times the knee to count as speech.
package energy

import (
	"errors"
	"fmt"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/vad"
)

// DefaultKnee is the RMS level (full scale = 1.0) that maps to probability 0.5.
const DefaultKnee = 0.015

// Compile-time interface checks.
var (
	_ vad.Engine     = (*Engine)(nil)
	_ vad.Classifier = (*classifier)(nil)
)

// Engine builds energy classifiers.
type Engine struct {
	knee float64
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithKnee sets the RMS level that maps to probability 0.5.
func WithKnee(knee float64) Option {
	return func(e *Engine) { e.knee = knee }
}

// New returns an Engine. Returns an error if the knee is not positive.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{knee: DefaultKnee}
	for _, o := range opts {
		o(e)
	}
	if e.knee <= 0 {
		return nil, fmt.Errorf("energy vad: knee must be positive, got %g", e.knee)
	}
	return e, nil
}

// NewClassifier implements vad.Engine. Any positive sample rate is accepted.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: %w: %d", vad.ErrUnsupportedRate, cfg.SampleRate)
	}
	return &classifier{knee: e.knee}, nil
}

type classifier struct {
	knee   float64
	closed bool
}

// Classify implements vad.Classifier.
func (c *classifier) Classify(window []float32) (float64, error) {
	if c.closed {
		return 0, errors.New("energy vad: classifier is closed")
	}
	if len(window) == 0 {
		return 0, nil
	}
	rms := audio.RMS(window)
	return vad.Clamp(rms / (rms + c.knee)), nil
}

// Close implements vad.Classifier.
func (c *classifier) Close() error {
	c.closed = true
	return nil
}
