// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}}
//	src := &mock.Source{OpenResult: stream}
//	s, _ := src.Open(ctx, audio.StreamConfig{SampleRate: 16000, Channels: 1})
//	_ = s.Start(handler, nil)
//	stream.Push(samples) // delivered synchronously to handler
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/earmark/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by [Source.Open]. If nil, a fresh [Stream] with a
	// format mirroring the request is returned.
	OpenResult *Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records the StreamConfig of every Open call in order.
	OpenCalls []audio.StreamConfig
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, cfg)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.OpenResult != nil {
		return s.OpenResult, nil
	}
	return &Stream{FormatResult: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}}, nil
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames are injected by
// the test via [Stream.Push] and delivered synchronously to the registered
// handler while the stream is running.
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// BeforeStop, if set, runs at the start of Stop while the stream is still
	// running. Tests use it to deliver a frame that races the stop.
	BeforeStop func()

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onFrames audio.FrameHandler
	onErr    audio.ErrorHandler
	running  bool
	started  chan struct{}
	once     sync.Once
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Start implements [audio.Stream]. It records the handlers for later Push
// calls.
func (s *Stream) Start(onFrames audio.FrameHandler, onErr audio.ErrorHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.running {
		return errors.New("mock stream: already started")
	}
	s.onFrames = onFrames
	s.onErr = onErr
	s.running = true
	s.startedChan()
	s.once.Do(func() { close(s.started) })
	return nil
}

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	hook := s.BeforeStop
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	return s.StopErr
}

// Push delivers samples to the frame handler if the stream is running. It
// reports whether the samples were delivered.
func (s *Stream) Push(samples []float32) bool {
	s.mu.Lock()
	h := s.onFrames
	running := s.running
	s.mu.Unlock()
	if !running || h == nil {
		return false
	}
	h(samples)
	return true
}

// PushError delivers err to the error handler if one was registered.
func (s *Stream) PushError(err error) {
	s.mu.Lock()
	h := s.onErr
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Running reports whether the stream has been started and not yet stopped.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Started returns a channel that is closed on the first successful Start.
func (s *Stream) Started() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedChan()
}

// startedChan lazily allocates the started channel. Caller must hold s.mu.
func (s *Stream) startedChan() chan struct{} {
	if s.started == nil {
		s.started = make(chan struct{})
	}
	return s.started
}

// Ensure Stream implements audio.Stream at compile time.
var _ audio.Stream = (*Stream)(nil)
