// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script transcription results and inspect the requests that
// were submitted.
//
// Example:
//
//	p := &mock.Provider{Segments: []stt.Segment{{Text: "hello"}}}
//	segs, _ := p.Transcribe(ctx, stt.Request{Samples: s, SampleRate: 16000})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earmark/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe. Samples are copied.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Segments is returned by every Transcribe call.
	Segments []stt.Segment

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Segments, TranscribeErr.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) ([]stt.Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := req
	cp.Samples = append([]float32(nil), req.Samples...)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Req: cp})
	if p.TranscribeErr != nil {
		return nil, p.TranscribeErr
	}
	return p.Segments, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
