// Package mock provides a test double for [sink.Sink].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/sink"
)

var _ sink.Sink = (*Sink)(nil)

// Sink records every clip it is given.
type Sink struct {
	mu sync.Mutex

	// Report is returned from Write. SamplesWritten is filled from the clip
	// when left zero.
	Report sink.Report

	// WriteErr is returned from Write when non-nil.
	WriteErr error

	// Clips holds a copy of each clip passed to Write.
	Clips []audio.Clip
}

// Write implements [sink.Sink].
func (s *Sink) Write(_ context.Context, clip audio.Clip) (sink.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := audio.Clip{SampleRate: clip.SampleRate, Samples: append([]float32(nil), clip.Samples...)}
	s.Clips = append(s.Clips, cp)
	if s.WriteErr != nil {
		return sink.Report{}, s.WriteErr
	}
	r := s.Report
	if r.SamplesWritten == 0 && r.SamplesFailed == 0 {
		r.SamplesWritten = len(clip.Samples)
	}
	return r, nil
}

// CallCount returns the number of Write calls.
func (s *Sink) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Clips)
}
