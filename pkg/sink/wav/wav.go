// Package wav provides a [sink.Sink] that writes each utterance to a 16-bit
// mono PCM WAV file using github.com/go-audio/wav.
package wav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"

	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/sink"
)

const (
	// blockSize is the number of samples handed to the encoder per write.
	// A failing block is counted and skipped; the loop moves on.
	blockSize = 4096

	// pcmFormat is the WAVE_FORMAT_PCM tag.
	pcmFormat = 1

	timestampLayout = "20060102-150405"
)

var _ sink.Sink = (*Sink)(nil)

// Option configures a Sink.
type Option func(*Sink)

// WithTimestamp inserts a timestamp before the file extension so consecutive
// sessions do not overwrite each other ("out.wav" -> "out-20260102-150405.wav").
func WithTimestamp(enabled bool) Option {
	return func(s *Sink) {
		s.timestamped = enabled
	}
}

// WithClock replaces the clock used for timestamped paths.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// Sink writes utterances to WAV files.
type Sink struct {
	path        string
	timestamped bool
	now         func() time.Time
}

// New returns a Sink writing to path. The parent directory is created on
// first write if missing.
func New(path string, opts ...Option) (*Sink, error) {
	if path == "" {
		return nil, errors.New("wav sink: path must not be empty")
	}
	s := &Sink{path: path, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Path returns the file path the next Write will use.
func (s *Sink) Path() string {
	if !s.timestamped {
		return s.path
	}
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	return base + "-" + s.now().Format(timestampLayout) + ext
}

// Write implements [sink.Sink]. Samples are clamped and quantized to int16
// then written in blocks. A block the encoder rejects is counted in
// Report.SamplesFailed and the remaining blocks are still attempted.
func (s *Sink) Write(ctx context.Context, clip audio.Clip) (sink.Report, error) {
	if err := ctx.Err(); err != nil {
		return sink.Report{}, fmt.Errorf("wav sink: %w", err)
	}
	if clip.SampleRate <= 0 {
		return sink.Report{}, fmt.Errorf("wav sink: invalid sample rate %d", clip.SampleRate)
	}

	path := s.Path()
	report := sink.Report{Path: path}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return report, fmt.Errorf("wav sink: create dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return report, fmt.Errorf("wav sink: create %s: %w", path, err)
	}
	defer f.Close()

	enc := gowav.NewEncoder(f, clip.SampleRate, audio.BitsPerSample, 1, pcmFormat)
	format := &goaudio.Format{NumChannels: 1, SampleRate: clip.SampleRate}

	// The encoder writes its header on the first Write, so an empty clip still
	// goes through one zero-length block and produces a valid file.
	samples := clip.Samples
	blocks := max((len(samples)+blockSize-1)/blockSize, 1)
	for b := range blocks {
		start := b * blockSize
		end := min(start+blockSize, len(samples))
		block := samples[start:end]
		data := make([]int, len(block))
		for i, v := range block {
			data[i] = int(audio.Quantize(v))
		}
		buf := &goaudio.IntBuffer{Format: format, Data: data, SourceBitDepth: audio.BitsPerSample}
		if err := enc.Write(buf); err != nil {
			report.SamplesFailed += len(block)
			slog.Warn("wav sink: block write failed", "path", path, "offset", start, "samples", len(block), "err", err)
			continue
		}
		report.SamplesWritten += len(block)
	}

	if err := enc.Close(); err != nil {
		return report, fmt.Errorf("wav sink: finalize %s: %w", path, err)
	}
	if report.SamplesWritten == 0 && report.SamplesFailed > 0 {
		return report, fmt.Errorf("wav sink: all %d samples failed to write", report.SamplesFailed)
	}
	slog.Debug("wav sink: wrote utterance",
		"path", path,
		"samples", report.SamplesWritten,
		"failed", report.SamplesFailed,
		"duration", clip.Duration(),
	)
	return report, nil
}
