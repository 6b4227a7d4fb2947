// Package stt defines the Provider interface for batch Speech-to-Text backends.
//
// A provider receives one finished utterance (mono float samples plus their
// sample rate) and returns the recognised text as an ordered list of segments.
// There is no streaming: the boundary detector decides when an utterance is
// complete and only then is the whole span handed over.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is called with no samples.
var ErrEmptyAudio = errors.New("stt: no audio to transcribe")

// Request describes one transcription job.
type Request struct {
	// Samples are mono float32 amplitudes in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz. Providers resample when their model needs a
	// specific rate.
	SampleRate int

	// Language is the BCP-47 language tag (e.g. "en", "de"). Empty selects the
	// provider default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe runs recognition on the whole request and returns segments in
	// spoken order. An utterance with no recognisable speech yields an empty
	// slice and no error.
	//
	// Returns an error if the backend fails or ctx is cancelled. Callers do not
	// retry; a failed transcription is reported and the utterance is dropped.
	Transcribe(ctx context.Context, req Request) ([]Segment, error)
}
