package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MrWong99/earmark/pkg/provider/stt"
)

var (
	_ stt.Provider = (*Transcriber)(nil)
	_ io.Closer    = (*Transcriber)(nil)
)

// Transcriber guards an stt.Provider with a [Breaker]. Cancelled requests and
// empty audio are the caller's doing and never count as backend failures.
type Transcriber struct {
	inner   stt.Provider
	breaker *Breaker
}

// NewTranscriber wraps p. cfg.IsFailure is replaced.
func NewTranscriber(p stt.Provider, cfg BreakerConfig) *Transcriber {
	cfg.IsFailure = isBackendFailure
	return &Transcriber{inner: p, breaker: NewBreaker(cfg)}
}

func isBackendFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, stt.ErrEmptyAudio):
		return false
	}
	return true
}

// Transcribe implements stt.Provider. While the breaker is open it fails
// immediately with an error wrapping [ErrCircuitOpen].
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) ([]stt.Segment, error) {
	var segs []stt.Segment
	err := t.breaker.Do(func() error {
		var err error
		segs, err = t.inner.Transcribe(ctx, req)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("resilience: transcription skipped: %w", err)
	}
	return segs, err
}

// State reports the breaker state.
func (t *Transcriber) State() State { return t.breaker.State() }

// Unwrap returns the guarded provider.
func (t *Transcriber) Unwrap() stt.Provider { return t.inner }

// Close closes the guarded provider when it holds resources.
func (t *Transcriber) Close() error {
	if c, ok := t.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
