// Package utterance defines the record kept for every finished session and
// the store interface that persists it.
package utterance

import (
	"context"
	"time"
)

// Utterance is one finished speech span.
type Utterance struct {
	// SessionID identifies the session that produced the utterance.
	SessionID string

	// Path is where the sink wrote the audio. Empty if the sink failed.
	Path string

	// Text is the concatenated transcript. Empty when transcription was
	// skipped or failed.
	Text string

	// SampleRate of the drained span in Hz.
	SampleRate int

	// Samples is the length of the drained span.
	Samples int

	// StartedAt is when capture began.
	StartedAt time.Time

	// Duration is the playback length of the drained span.
	Duration time.Duration
}

// Store persists utterances.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Record appends u to the log.
	Record(ctx context.Context, u Utterance) error

	// Recent returns at most limit utterances, newest first.
	Recent(ctx context.Context, limit int) ([]Utterance, error)
}
