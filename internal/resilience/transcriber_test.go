package resilience_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earmark/internal/resilience"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	sttmock "github.com/MrWong99/earmark/pkg/provider/stt/mock"
)

var req = stt.Request{Samples: make([]float32, 160), SampleRate: 16000}

func TestTranscriber_PassesThrough(t *testing.T) {
	inner := &sttmock.Provider{Segments: []stt.Segment{{Text: "hello"}}}
	tr := resilience.NewTranscriber(inner, resilience.BreakerConfig{Name: "stt"})

	segs, err := tr.Transcribe(context.Background(), req)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "hello" {
		t.Fatalf("segments = %+v", segs)
	}
	if tr.Unwrap() != inner {
		t.Error("Unwrap returned a different provider")
	}
}

func TestTranscriber_OpensAndSkips(t *testing.T) {
	boom := errors.New("backend down")
	inner := &sttmock.Provider{TranscribeErr: boom}
	tr := resilience.NewTranscriber(inner, resilience.BreakerConfig{Name: "stt", MaxFailures: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		if _, err := tr.Transcribe(context.Background(), req); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want boom", i, err)
		}
	}
	if tr.State() != resilience.StateOpen {
		t.Fatalf("state = %v, want open", tr.State())
	}

	_, err := tr.Transcribe(context.Background(), req)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.CallCount() != 2 {
		t.Errorf("inner calls = %d, want 2", inner.CallCount())
	}
}

func TestTranscriber_CallerErrorsDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"cancelled", context.Canceled},
		{"empty audio", stt.ErrEmptyAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &sttmock.Provider{TranscribeErr: tt.err}
			tr := resilience.NewTranscriber(inner, resilience.BreakerConfig{Name: "stt", MaxFailures: 1})
			for i := 0; i < 3; i++ {
				_, _ = tr.Transcribe(context.Background(), req)
			}
			if tr.State() != resilience.StateClosed {
				t.Errorf("state = %v, want closed", tr.State())
			}
			if inner.CallCount() != 3 {
				t.Errorf("inner calls = %d, want 3", inner.CallCount())
			}
		})
	}
}

type closingProvider struct {
	sttmock.Provider
	closed atomic.Int32
}

func (p *closingProvider) Close() error {
	p.closed.Add(1)
	return nil
}

func TestTranscriber_Close(t *testing.T) {
	inner := &closingProvider{}
	tr := resilience.NewTranscriber(inner, resilience.BreakerConfig{})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if inner.closed.Load() != 1 {
		t.Errorf("closed = %d, want 1", inner.closed.Load())
	}

	plain := resilience.NewTranscriber(&sttmock.Provider{}, resilience.BreakerConfig{})
	if err := plain.Close(); err != nil {
		t.Fatalf("Close without closer: %v", err)
	}
}
