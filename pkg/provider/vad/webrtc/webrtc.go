// Package webrtc provides a vad.Engine backed by the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad).
//
// WebRTC VAD makes a binary decision per 10, 20 or 30 ms frame. This engine
// splits each window into 10 ms frames and reports the fraction of voiced
// frames as the speech probability, so a 512-sample window at 16 kHz (three
// whole frames) scores 0, 1/3, 2/3 or 1.
//
// WebRTC VAD only accepts 8, 16, 32 and 48 kHz. Windows captured at any other
// rate are resampled to 16 kHz before classification.
package webrtc

import (
	"errors"
	"fmt"
	"slices"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/vad"
)

const (
	// DefaultMode is the aggressiveness used when none is configured. 0 is the
	// least aggressive about filtering out non-speech, 3 the most.
	DefaultMode = 2

	// fallbackRate is used for capture rates WebRTC VAD cannot process.
	fallbackRate = 16000
)

// nativeRates lists the sample rates WebRTC VAD supports directly.
var nativeRates = []int{8000, 16000, 32000, 48000}

// Compile-time interface checks.
var (
	_ vad.Engine     = (*Engine)(nil)
	_ vad.Classifier = (*classifier)(nil)
)

// Engine builds WebRTC classifiers. Each classifier owns its own native VAD
// instance.
type Engine struct {
	mode int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMode sets the aggressiveness mode (0..3).
func WithMode(mode int) Option {
	return func(e *Engine) { e.mode = mode }
}

// New returns an Engine. Returns an error if the mode is out of range.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{mode: DefaultMode}
	for _, o := range opts {
		o(e)
	}
	if e.mode < 0 || e.mode > 3 {
		return nil, fmt.Errorf("webrtc vad: mode must be between 0 and 3, got %d", e.mode)
	}
	return e, nil
}

// NewClassifier implements vad.Engine.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("webrtc vad: %w: %d", vad.ErrUnsupportedRate, cfg.SampleRate)
	}
	rate := cfg.SampleRate
	if !slices.Contains(nativeRates, rate) {
		rate = fallbackRate
	}
	frame := rate / 100

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if !v.ValidRateAndFrameLength(rate, frame) {
		return nil, fmt.Errorf("webrtc vad: %w: %d Hz with %d-sample frames", vad.ErrUnsupportedRate, rate, frame)
	}
	if err := v.SetMode(e.mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", e.mode, err)
	}
	return &classifier{
		vad:       v,
		inputRate: cfg.SampleRate,
		rate:      rate,
		frame:     frame,
	}, nil
}

// classifier is a single WebRTC VAD instance. It is not safe for concurrent
// use; the detector drives it from one goroutine.
type classifier struct {
	vad       *webrtcvad.VAD
	inputRate int
	rate      int
	frame     int
	closed    bool
}

// Classify implements vad.Classifier.
func (c *classifier) Classify(window []float32) (float64, error) {
	if c.closed {
		return 0, errors.New("webrtc vad: classifier is closed")
	}
	samples := audio.Resample(window, c.inputRate, c.rate)
	frames := len(samples) / c.frame
	if frames == 0 {
		return 0, nil
	}

	pcm := audio.PCM16(samples[:frames*c.frame])
	frameBytes := c.frame * 2
	voiced := 0
	for i := range frames {
		active, err := c.vad.Process(c.rate, pcm[i*frameBytes:(i+1)*frameBytes])
		if err != nil {
			return 0, fmt.Errorf("webrtc vad: process frame: %w", err)
		}
		if active {
			voiced++
		}
	}
	return float64(voiced) / float64(frames), nil
}

// Close implements vad.Classifier. The native instance is released by the
// binding's finalizer.
func (c *classifier) Close() error {
	c.closed = true
	c.vad = nil
	return nil
}
