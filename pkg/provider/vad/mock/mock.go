// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that classifiers are created with the expected Config.
// Use Classifier to script probability sequences and inspect the windows that
// were submitted.
//
// Example:
//
//	cls := &mock.Classifier{Probabilities: []float64{0.9, 0.9, 0.2, 0.2}}
//	eng := &mock.Engine{Classifier: cls}
//	c, _ := eng.NewClassifier(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/earmark/pkg/provider/vad"
)

// NewClassifierCall records a single invocation of Engine.NewClassifier.
type NewClassifierCall struct {
	// Cfg is the Config passed to NewClassifier.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Classifier is returned by NewClassifier. If nil, NewClassifier returns a
	// new default Classifier.
	Classifier vad.Classifier

	// NewClassifierErr, if non-nil, is returned as the error from NewClassifier.
	NewClassifierErr error

	// NewClassifierCalls records every call to NewClassifier in order.
	NewClassifierCalls []NewClassifierCall
}

// NewClassifier records the call and returns Classifier, NewClassifierErr.
func (e *Engine) NewClassifier(cfg vad.Config) (vad.Classifier, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = append(e.NewClassifierCalls, NewClassifierCall{Cfg: cfg})
	if e.NewClassifierErr != nil {
		return nil, e.NewClassifierErr
	}
	if e.Classifier != nil {
		return e.Classifier, nil
	}
	return &Classifier{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewClassifierCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ClassifyCall records a single invocation of Classifier.Classify.
type ClassifyCall struct {
	// Window is a copy of the samples passed to Classify.
	Window []float32
}

// Classifier is a mock implementation of vad.Classifier.
//
// Results are taken from Probabilities in order. Once the script is exhausted
// every further call returns the last scripted value, or Default when the
// script is empty.
type Classifier struct {
	mu sync.Mutex

	// Probabilities is the scripted sequence of results.
	Probabilities []float64

	// Default is returned when Probabilities is empty.
	Default float64

	// ClassifyFunc, if non-nil, replaces the script entirely.
	ClassifyFunc func(window []float32) (float64, error)

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify records the call and returns the next scripted probability.
func (c *Classifier) Classify(window []float32) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]float32, len(window))
	copy(cp, window)
	c.ClassifyCalls = append(c.ClassifyCalls, ClassifyCall{Window: cp})

	if c.ClassifyErr != nil {
		return 0, c.ClassifyErr
	}
	if c.ClassifyFunc != nil {
		return c.ClassifyFunc(cp)
	}
	if len(c.Probabilities) == 0 {
		return c.Default, nil
	}
	idx := min(len(c.ClassifyCalls)-1, len(c.Probabilities)-1)
	return c.Probabilities[idx], nil
}

// Close records the call and returns CloseErr.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// CallCount returns the number of Classify calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ClassifyCalls)
}

// ResetCalls clears all recorded call history. Thread-safe.
func (c *Classifier) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ClassifyCalls = nil
	c.CloseCallCount = 0
}

// Ensure Classifier implements vad.Classifier at compile time.
var _ vad.Classifier = (*Classifier)(nil)
