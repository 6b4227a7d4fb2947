// Package sink defines where a finished utterance is persisted.
//
// A [Sink] receives the drained span as float32 samples and is responsible for
// quantizing it to 16-bit PCM and writing it durably. Individual write
// failures are counted in the [Report]; only a failure that leaves nothing
// usable on disk is returned as an error.
package sink

import (
	"context"

	"github.com/MrWong99/earmark/pkg/audio"
)

// Report describes the outcome of a single Write.
type Report struct {
	// Path is where the utterance was written. Empty for sinks that do not
	// write to the filesystem.
	Path string

	// SamplesWritten is the number of samples that reached the sink.
	SamplesWritten int

	// SamplesFailed is the number of samples whose write failed. A non-zero
	// value with a nil error means the output is truncated but readable.
	SamplesFailed int
}

// Sink persists a finished utterance. Implementations must be safe for
// sequential reuse across sessions.
type Sink interface {
	Write(ctx context.Context, clip audio.Clip) (Report, error)
}
