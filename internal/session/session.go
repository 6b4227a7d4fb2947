// Package session orchestrates one recording: it opens the capture stream,
// feeds the shared sample buffer, runs the speech-boundary detector and, once
// the utterance has ended, drains the buffer and dispatches it to the sink,
// the transcriber and the utterance log.
//
// A Session moves through NotStarted, Capturing, Draining and Finished, in
// that order, and is single-use. Continuous listening creates a fresh Session
// per utterance.
//
// Dispatch is at-most-once. Sink and transcription failures are reported in
// the [Result]; they never undo the drain and are never retried.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/sink"
	"github.com/MrWong99/earmark/pkg/utterance"
)

// State is the lifecycle position of a Session.
type State int

const (
	NotStarted State = iota
	Capturing
	Draining
	Finished
)

// String returns the lowercase name of s.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Capturing:
		return "capturing"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the per-session parameters. It is copied at construction and
// never changes while the session runs.
type Config struct {
	// Capture is the stream configuration requested from the source. The
	// source may negotiate a different rate or channel count.
	Capture audio.StreamConfig

	// Detector holds the boundary detector parameters. SampleRate is ignored
	// and replaced with the negotiated capture rate.
	Detector detector.Config

	// FixedDuration, when positive and no classifier engine is configured,
	// records for exactly this long instead of waiting for a boundary.
	FixedDuration time.Duration

	// Language is the transcription language hint. Empty uses the provider
	// default.
	Language string
}

// Result describes a finished session.
type Result struct {
	// ID is the session identifier.
	ID string

	// Format is the negotiated capture format. Samples in the span are mono
	// regardless of Format.Channels.
	Format audio.Format

	// StartedAt is when capture started.
	StartedAt time.Time

	// Samples is the length of the drained span.
	Samples int

	// Duration is the playback length of the drained span.
	Duration time.Duration

	// Sink is the sink report. Zero when the sink failed before writing.
	Sink sink.Report

	// Segments are the transcript segments in order. Nil when transcription
	// was skipped or failed.
	Segments []stt.Segment

	// Text is the concatenated transcript.
	Text string

	// CaptureErrors counts errors reported by the capture stream while
	// recording. They do not stop the session.
	CaptureErrors int

	// SinkErr wraps [ErrSinkWrite] when the sink failed.
	SinkErr error

	// TranscriptionErr wraps [ErrTranscription] when transcription failed.
	TranscriptionErr error
}

// Err joins the recoverable dispatch errors. It is nil when both the sink
// and transcription succeeded.
func (r Result) Err() error {
	return errors.Join(r.SinkErr, r.TranscriptionErr)
}

// Option configures a Session.
type Option func(*Session)

// WithEngine sets the classifier engine. Without one the session runs in
// fixed-duration mode.
func WithEngine(e vad.Engine) Option {
	return func(s *Session) { s.engine = e }
}

// WithTranscriber enables transcription of the drained span.
func WithTranscriber(p stt.Provider) Option {
	return func(s *Session) { s.transcriber = p }
}

// WithStore records every finished session through a [StoreGuard]. A store
// that already is a guard is used as is, so its degraded flag spans sessions.
func WithStore(st utterance.Store) Option {
	return func(s *Session) {
		switch g := st.(type) {
		case nil:
		case *StoreGuard:
			s.store = g
		default:
			s.store = NewStoreGuard(st)
		}
	}
}

// WithMetrics records session and detector metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithObserver forwards every detector snapshot to fn.
func WithObserver(fn detector.Observer) Option {
	return func(s *Session) { s.observer = fn }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session is a single recording. Begin, Wait and Finish are meant to be
// called in order from one goroutine; State is safe from any goroutine.
type Session struct {
	cfg         Config
	source      audio.Source
	sink        sink.Sink
	engine      vad.Engine
	transcriber stt.Provider
	store       *StoreGuard
	metrics     *observe.Metrics
	observer    detector.Observer
	id          string

	mu    sync.Mutex
	state State

	buf        *audio.Buffer
	stream     audio.Stream
	format     audio.Format
	classifier vad.Classifier
	det        *detector.Detector
	startedAt  time.Time

	cancelRun context.CancelFunc
	boundary  <-chan struct{}
	runDone   chan struct{}
	runErr    error

	captureErrs atomic.Int64
}

// New creates a Session that captures from source and writes to snk.
func New(cfg Config, source audio.Source, snk sink.Sink, opts ...Option) (*Session, error) {
	if source == nil {
		return nil, errors.New("session: source must not be nil")
	}
	if snk == nil {
		return nil, errors.New("session: sink must not be nil")
	}
	s := &Session{
		cfg:    cfg,
		source: source,
		sink:   snk,
	}
	for _, o := range opts {
		o(s)
	}
	if s.engine == nil && cfg.FixedDuration <= 0 {
		return nil, errors.New("session: either a classifier engine or a fixed duration is required")
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the negotiated capture format. Zero before Begin.
func (s *Session) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// transition moves from one of want to next, or fails with ErrSessionState.
func (s *Session) transition(next State, want ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range want {
		if s.state == w {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrSessionState, s.state, next)
}

// Begin negotiates capture, builds the classifier for the negotiated rate and
// starts the ingestor and the detector. On any error the session is Finished
// and every resource acquired so far is released.
func (s *Session) Begin(ctx context.Context) (err error) {
	if err := s.transition(Capturing, NotStarted); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			s.release()
			s.setState(Finished)
		}
	}()

	stream, err := s.source.Open(ctx, s.cfg.Capture)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}
	format := stream.Format()
	s.mu.Lock()
	s.stream = stream
	s.format = format
	s.mu.Unlock()
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrDevice, err)
	}

	s.buf = audio.NewBuffer(format.SampleRate)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRun = cancel
	s.runDone = make(chan struct{})

	var run func(context.Context) error
	if s.engine != nil {
		dcfg := s.cfg.Detector
		dcfg.SampleRate = format.SampleRate
		cls, err := s.engine.NewClassifier(vad.Config{SampleRate: format.SampleRate, ChunkSize: dcfg.WindowSize})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrClassifierInit, err)
		}
		s.classifier = cls
		opts := []detector.Option{detector.WithObserver(s.observer)}
		if s.metrics != nil {
			opts = append(opts, detector.WithMetrics(s.metrics))
		}
		det, err := detector.New(dcfg, s.buf, cls, opts...)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrClassifierInit, err)
		}
		s.det = det
		s.boundary = det.Done()
		run = det.Run
	} else {
		timeUp := make(chan struct{})
		s.boundary = timeUp
		run = func(ctx context.Context) error {
			t := time.NewTimer(s.cfg.FixedDuration)
			defer t.Stop()
			select {
			case <-t.C:
				close(timeUp)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := stream.Start(s.ingest, s.captureError); err != nil {
		return fmt.Errorf("%w: start stream: %w", ErrDevice, err)
	}
	s.startedAt = time.Now()

	go func() {
		defer close(s.runDone)
		s.runErr = run(runCtx)
	}()

	slog.Info("session: capturing",
		"session_id", s.id,
		"format", format.String(),
		"mode", s.mode(),
	)
	return nil
}

// ingest is the capture callback. It downmixes to mono and appends.
func (s *Session) ingest(frames []float32) {
	mono := audio.Downmix(frames, s.format.Channels)
	s.buf.Append(mono)
	if s.metrics != nil {
		s.metrics.BufferSamples.Add(context.Background(), int64(len(mono)))
	}
}

func (s *Session) captureError(err error) {
	s.captureErrs.Add(1)
	slog.Warn("session: capture stream error", "session_id", s.id, "err", err)
}

func (s *Session) mode() string {
	if s.engine != nil {
		return "detect"
	}
	return "fixed"
}

// Wait blocks until the end-of-utterance boundary, a detector failure or
// cancellation of ctx. A detector failure wraps [ErrClassifierUnavailable] or
// [ErrLockPoisoned]; cancellation returns ctx.Err(). The session stays in
// Capturing; call Finish to dispatch or Abort to discard.
func (s *Session) Wait(ctx context.Context) error {
	if st := s.State(); st != Capturing {
		return fmt.Errorf("%w: wait in %s", ErrSessionState, st)
	}
	select {
	case <-s.boundary:
	case <-s.runDone:
		if err := s.runError(); err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	elapsed := time.Since(s.startedAt)
	if s.metrics != nil {
		s.metrics.SessionDuration.Record(ctx, elapsed.Seconds())
	}
	slog.Info("session: utterance ended", "session_id", s.id, "elapsed", elapsed)
	return nil
}

// runError maps the detector loop result onto the session taxonomy. Must be
// called after runDone is closed.
func (s *Session) runError() error {
	err := s.runErr
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, audio.ErrPoisoned):
		return fmt.Errorf("%w: %w", ErrLockPoisoned, err)
	default:
		return fmt.Errorf("session: detector: %w", err)
	}
}

// Finish drains the buffer, stops capture and dispatches the span. It may be
// called after Wait returns nil, or at any point while Capturing to dispatch
// whatever has been captured so far. Samples delivered between the drain and
// the stop are discarded.
//
// The returned error is non-nil only for fatal conditions (wrong state or a
// poisoned buffer). Sink and transcription failures are in the Result.
func (s *Session) Finish(ctx context.Context) (res Result, err error) {
	if err := s.transition(Draining, Capturing); err != nil {
		return Result{}, err
	}
	defer s.setState(Finished)

	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id), "session.finish")
	defer func() { observe.EndSpan(span, err) }()

	// Stop the detector before draining so it cannot trim the span.
	s.cancelRun()
	<-s.runDone

	samples, drainErr := s.buf.Drain()
	s.release()
	late := s.discardLate()
	if drainErr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrLockPoisoned, drainErr)
	}
	if s.metrics != nil {
		s.metrics.BufferSamples.Add(ctx, -int64(len(samples)))
	}
	if late > 0 {
		slog.Debug("session: discarded late samples", "session_id", s.id, "samples", late)
	}

	clip := audio.Clip{Samples: samples, SampleRate: s.format.SampleRate}
	res = Result{
		ID:            s.id,
		Format:        s.format,
		StartedAt:     s.startedAt,
		Samples:       len(samples),
		Duration:      clip.Duration(),
		CaptureErrors: int(s.captureErrs.Load()),
	}
	log := observe.Logger(ctx)
	log.Info("session: drained", "samples", res.Samples, "duration", res.Duration)

	res.Sink, res.SinkErr = s.writeSink(ctx, clip)
	if res.SinkErr != nil {
		log.Error("session: sink write failed", "err", res.SinkErr)
	}

	if s.transcriber != nil && len(samples) > 0 {
		res.Segments, res.TranscriptionErr = s.transcribe(ctx, clip)
		if res.TranscriptionErr != nil {
			log.Error("session: transcription failed", "err", res.TranscriptionErr)
		} else {
			res.Text = stt.Join(res.Segments)
			log.Info("session: transcribed", "text", res.Text, "segments", len(res.Segments))
		}
	}

	if s.store != nil {
		_ = s.store.Record(ctx, utterance.Utterance{
			SessionID:  s.id,
			Path:       res.Sink.Path,
			Text:       res.Text,
			SampleRate: clip.SampleRate,
			Samples:    res.Samples,
			StartedAt:  res.StartedAt,
			Duration:   res.Duration,
		})
	}

	if s.metrics != nil {
		status := observe.StatusOK
		switch {
		case res.SinkErr != nil:
			status = observe.StatusSinkError
		case res.TranscriptionErr != nil:
			status = observe.StatusTranscriptionError
		}
		s.metrics.RecordUtterance(ctx, status)
	}
	return res, nil
}

func (s *Session) writeSink(ctx context.Context, clip audio.Clip) (rep sink.Report, err error) {
	ctx, span := observe.StartSpan(ctx, "sink.write")
	defer func() { observe.EndSpan(span, err) }()

	rep, err = s.sink.Write(ctx, clip)
	if s.metrics != nil && rep.SamplesFailed > 0 {
		s.metrics.SinkFailedSamples.Add(ctx, int64(rep.SamplesFailed))
	}
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrSinkWrite, err)
	}
	if rep.SamplesFailed > 0 {
		slog.Warn("session: sink dropped samples", "session_id", s.id, "failed", rep.SamplesFailed, "path", rep.Path)
	}
	return rep, nil
}

func (s *Session) transcribe(ctx context.Context, clip audio.Clip) (segs []stt.Segment, err error) {
	ctx, span := observe.StartSpan(ctx, "stt.transcribe")
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	segs, err = s.transcriber.Transcribe(ctx, stt.Request{
		Samples:    clip.Samples,
		SampleRate: clip.SampleRate,
		Language:   s.cfg.Language,
	})
	if s.metrics != nil {
		s.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			s.metrics.RecordProviderError(ctx, providerName(s.transcriber), "stt")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	return segs, nil
}

// Abort stops capture and discards the buffer without dispatching. It is a
// no-op once the session is Finished.
func (s *Session) Abort() {
	s.mu.Lock()
	st := s.state
	if st == Finished || st == Draining {
		s.mu.Unlock()
		return
	}
	s.state = Finished
	s.mu.Unlock()

	if st == Capturing && s.cancelRun != nil {
		s.cancelRun()
		<-s.runDone
	}
	if s.buf != nil {
		if dropped, err := s.buf.Drain(); err == nil && s.metrics != nil {
			s.metrics.BufferSamples.Add(context.Background(), -int64(len(dropped)))
		}
	}
	s.release()
	s.discardLate()
	slog.Info("session: aborted", "session_id", s.id)
}

// discardLate drops frames that landed between the drain and the stream stop
// and takes them off the buffer gauge. It returns the number dropped.
func (s *Session) discardLate() int {
	if s.buf == nil {
		return 0
	}
	late, err := s.buf.Drain()
	if err != nil {
		return 0
	}
	if s.metrics != nil && len(late) > 0 {
		s.metrics.BufferSamples.Add(context.Background(), -int64(len(late)))
	}
	return len(late)
}

// release stops the stream and closes the classifier. Safe to call on
// partially initialised sessions.
func (s *Session) release() {
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Lock()
	stream, cls := s.stream, s.classifier
	s.stream, s.classifier = nil, nil
	s.mu.Unlock()

	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Warn("session: stop stream", "session_id", s.id, "err", err)
		}
	}
	if cls != nil {
		if err := cls.Close(); err != nil {
			slog.Warn("session: close classifier", "session_id", s.id, "err", err)
		}
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// providerName derives a metric label from the package of the innermost
// provider.
func providerName(p stt.Provider) string {
	for {
		u, ok := p.(interface{ Unwrap() stt.Provider })
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	name := fmt.Sprintf("%T", p)
	name = strings.TrimPrefix(name, "*")
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return name
}
