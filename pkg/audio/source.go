// Package audio defines the capture-side interfaces, the shared sample buffer
// and the sample-format helpers used by earmark.
//
// The two capture abstractions are:
//
//   - [Source]: an input device family (PortAudio, a test double) that opens
//     a [Stream] with negotiated parameters.
//   - [Stream]: an open capture stream that pushes interleaved float32 frames
//     to a handler until stopped.
//
// [Buffer] is the single piece of shared mutable state in a recording session.
// The capture callback appends to it and the session drains it; the boundary
// detector reads and trims its tail.
//
// This package lives under pkg/ because external code is expected to
// implement [Source] for other capture backends.
package audio

import "context"

// FrameHandler receives interleaved float32 samples from a capture stream. It
// is invoked on the stream's own goroutine and must return quickly. The slice
// is only valid for the duration of the call.
type FrameHandler func(samples []float32)

// ErrorHandler receives non-fatal stream errors (overflows, transient read
// failures). Fatal errors surface from [Stream.Start] or [Stream.Stop].
type ErrorHandler func(err error)

// StreamConfig is the capture request. The device may not honour it exactly;
// the effective parameters are reported by [Stream.Format].
type StreamConfig struct {
	// Device selects an input device by name. Empty selects the system default.
	Device string

	// SampleRate is the requested rate in Hz.
	SampleRate int

	// Channels is the requested channel count.
	Channels int

	// FramesPerBuffer is the number of frames delivered per handler call.
	FramesPerBuffer int
}

// Stream is an open capture stream.
//
// Implementations must be safe for concurrent use. Stop must be idempotent.
type Stream interface {
	// Format returns the negotiated sample rate and channel count.
	Format() Format

	// Start begins delivering frames to onFrames. onErr may be nil. Start may
	// only be called once.
	Start(onFrames FrameHandler, onErr ErrorHandler) error

	// Stop halts frame delivery and releases the device. After Stop returns no
	// further calls to the handlers are made. Calling Stop more than once is
	// safe and returns nil.
	Stop() error
}

// Source opens capture streams.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Open negotiates cfg with the device and returns a stream that is ready to
	// Start. Returns an error if the device is missing or rejects every
	// candidate configuration.
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
