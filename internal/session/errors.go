package session

import (
	"errors"

	"github.com/MrWong99/earmark/internal/detector"
)

// Fatal errors. Any of these ends the session without dispatching audio.
var (
	// ErrDevice means the capture device is unavailable or rejected the
	// requested configuration.
	ErrDevice = errors.New("session: capture device unavailable")

	// ErrClassifierInit means the voice classifier could not be built. The
	// session aborts before capture starts.
	ErrClassifierInit = errors.New("session: classifier init failed")

	// ErrClassifierUnavailable means the classifier failed during a poll.
	ErrClassifierUnavailable = detector.ErrClassifierUnavailable

	// ErrLockPoisoned means a panic occurred while the sample buffer lock was
	// held and its contents can no longer be trusted.
	ErrLockPoisoned = errors.New("session: sample buffer poisoned")

	// ErrSessionState is returned when a lifecycle method is called out of
	// order.
	ErrSessionState = errors.New("session: invalid state for operation")
)

// Recoverable errors. These are reported in [Result] and never returned from
// [Session.Finish].
var (
	// ErrSinkWrite wraps a sink failure.
	ErrSinkWrite = errors.New("session: sink write failed")

	// ErrTranscription wraps a transcription failure.
	ErrTranscription = errors.New("session: transcription failed")
)
