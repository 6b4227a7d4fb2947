package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// captured holds what the mock server saw in the last request.
type captured struct {
	language       string
	model          string
	responseFormat string
	sampleRate     uint32
	dataBytes      uint32
}

// newMockServer creates a test server that responds to POST /inference with
// body. It records the multipart fields of each request into *got and counts
// calls in *callCount.
func newMockServer(t *testing.T, body any, got *captured, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			got.language = r.FormValue("language")
			got.model = r.FormValue("model")
			got.responseFormat = r.FormValue("response_format")
			f, _, err := r.FormFile("file")
			if err == nil {
				wav, _ := io.ReadAll(f)
				_ = f.Close()
				if len(wav) >= 44 {
					got.sampleRate = binary.LittleEndian.Uint32(wav[24:28])
					got.dataBytes = binary.LittleEndian.Uint32(wav[40:44])
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// makeSpeech generates n samples of a 440 Hz tone at the given rate.
func makeSpeech(n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	_, err := whisper.New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_ValidServerURL_ReturnsProvider(t *testing.T) {
	p, err := whisper.New("http://localhost:8080/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// ---- Transcribe -------------------------------------------------------------

func TestTranscribe_VerboseSegments(t *testing.T) {
	body := map[string]any{
		"text": "hello world again",
		"segments": []map[string]any{
			{"start": 0.0, "end": 1.2, "text": " hello world"},
			{"start": 1.2, "end": 2.0, "text": " again"},
		},
	}
	var got captured
	srv := newMockServer(t, body, &got, nil)

	p, _ := whisper.New(srv.URL, whisper.WithModel("base.en"))
	segs, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    makeSpeech(16000, 16000),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Text != "hello world" || segs[1].Text != "again" {
		t.Errorf("texts = %q, %q", segs[0].Text, segs[1].Text)
	}
	if segs[1].Start != 1200*time.Millisecond || segs[1].End != 2*time.Second {
		t.Errorf("segment 1 timing = %v..%v", segs[1].Start, segs[1].End)
	}
	if stt.Join(segs) != "hello world again" {
		t.Errorf("Join = %q", stt.Join(segs))
	}
	if got.language != "en" {
		t.Errorf("language field = %q, want en", got.language)
	}
	if got.model != "base.en" {
		t.Errorf("model field = %q, want base.en", got.model)
	}
	if got.responseFormat != "verbose_json" {
		t.Errorf("response_format = %q, want verbose_json", got.responseFormat)
	}
}

func TestTranscribe_PlainTextFallback(t *testing.T) {
	srv := newMockServer(t, map[string]string{"text": "  just text "}, nil, nil)
	p, _ := whisper.New(srv.URL)

	segs, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    makeSpeech(8000, 16000),
		SampleRate: 16000,
		Language:   "de",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "just text" {
		t.Fatalf("segments = %+v", segs)
	}
	if segs[0].End != 500*time.Millisecond {
		t.Errorf("End = %v, want 500ms", segs[0].End)
	}
}

func TestTranscribe_EmptyTextYieldsNoSegments(t *testing.T) {
	srv := newMockServer(t, map[string]string{"text": ""}, nil, nil)
	p, _ := whisper.New(srv.URL)
	segs, err := p.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 100), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("segments = %+v, want none", segs)
	}
}

func TestTranscribe_ResamplesTo16k(t *testing.T) {
	var got captured
	srv := newMockServer(t, map[string]string{"text": "x"}, &got, nil)
	p, _ := whisper.New(srv.URL)

	_, err := p.Transcribe(context.Background(), stt.Request{
		Samples:    makeSpeech(48000, 48000),
		SampleRate: 48000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.sampleRate != 16000 {
		t.Errorf("uploaded sample rate = %d, want 16000", got.sampleRate)
	}
	if got.dataBytes != 16000*2 {
		t.Errorf("uploaded data bytes = %d, want %d", got.dataBytes, 16000*2)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	var calls atomic.Int32
	srv := newMockServer(t, map[string]string{"text": "x"}, nil, &calls)
	p, _ := whisper.New(srv.URL)

	_, err := p.Transcribe(context.Background(), stt.Request{SampleRate: 16000})
	if !errors.Is(err, stt.ErrEmptyAudio) {
		t.Fatalf("err = %v, want ErrEmptyAudio", err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestTranscribe_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 160), SampleRate: 16000})
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
	if calls.Load() != 1 {
		t.Errorf("server called %d times, want exactly 1", calls.Load())
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), stt.Request{Samples: make([]float32, 160), SampleRate: 16000}); err == nil {
		t.Fatal("expected JSON parse error")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	srv := newMockServer(t, map[string]string{"text": "x"}, nil, nil)
	p, _ := whisper.New(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Transcribe(ctx, stt.Request{Samples: make([]float32, 160), SampleRate: 16000}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
