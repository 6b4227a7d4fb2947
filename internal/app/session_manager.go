package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/resilience"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/status"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/sink"
	"github.com/MrWong99/earmark/pkg/sink/wav"
	"github.com/MrWong99/earmark/pkg/utterance"
)

// Mode selects how a session decides when to stop recording.
type Mode string

const (
	// ModeRecord records one utterance and stops at the detected boundary.
	ModeRecord Mode = "record"

	// ModeListen records utterances back to back until cancelled.
	ModeListen Mode = "listen"

	// ModeCapture records for a fixed duration without detection.
	ModeCapture Mode = "capture"
)

// SinkFactory builds the sink for one session from the output config.
type SinkFactory func(config.OutputConfig) (sink.Sink, error)

// WAVSinkFactory is the default [SinkFactory].
func WAVSinkFactory(out config.OutputConfig) (sink.Sink, error) {
	return wav.New(out.Path, wav.WithTimestamp(out.Timestamped))
}

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// Mode is the recording mode.
	Mode Mode `json:"mode"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// State is the session lifecycle state.
	State string `json:"state"`
}

// SessionManager runs recording sessions one at a time. Each session is a
// fresh [session.Session]; a finished one is never reused. Config reloads are
// queued and applied before the next session starts.
//
// All exported methods are safe for concurrent use, but only one session runs
// at a time.
type SessionManager struct {
	mu      sync.Mutex
	cfg     *config.Config
	pending *config.Config
	engine  vad.Engine
	stt     stt.Provider
	active  *session.Session
	info    SessionInfo

	// run serialises sessions.
	run sync.Mutex

	// Dependencies injected at construction.
	source   audio.Source
	registry *config.Registry
	newSink  SinkFactory
	store    utterance.Store
	metrics  *observe.Metrics
	hub      *status.Hub
	observer detector.Observer
	onResult func(session.Result)
	level    *slog.LevelVar
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Registry rebuilds providers on config reload. Nil disables provider
	// reloads; detector and output changes still apply.
	Registry *config.Registry

	SinkFactory SinkFactory
	Store       utterance.Store
	Metrics     *observe.Metrics
	Hub         *status.Hub
	Observer    detector.Observer
	OnResult    func(session.Result)
	LogLevel    *slog.LevelVar
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		newSink:  cfg.SinkFactory,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		hub:      cfg.Hub,
		observer: cfg.Observer,
		onResult: cfg.OnResult,
		level:    cfg.LogLevel,
	}
	if cfg.Providers != nil {
		sm.source = cfg.Providers.Capture
		sm.engine = cfg.Providers.VAD
		var name string
		if cfg.Config != nil {
			name = cfg.Config.Providers.STT.Name
		}
		sm.stt = sm.guardSTT(name, cfg.Providers.STT)
	}
	if sm.newSink == nil {
		sm.newSink = WAVSinkFactory
	}
	return sm
}

// guardSTT wraps p in a circuit breaker. Nil stays nil.
func (sm *SessionManager) guardSTT(name string, p stt.Provider) stt.Provider {
	if p == nil {
		return nil
	}
	return resilience.NewTranscriber(p, resilience.BreakerConfig{
		Name: "stt/" + name,
		OnStateChange: func(_ string, _, to resilience.State) {
			if to == resilience.StateOpen && sm.metrics != nil {
				sm.metrics.RecordProviderError(context.Background(), name, "circuit_open")
			}
		},
	})
}

// TranscriberDegraded reports whether transcription is currently being
// skipped because its backend kept failing.
func (sm *SessionManager) TranscriberDegraded() bool {
	sm.mu.Lock()
	p := sm.stt
	sm.mu.Unlock()
	t, ok := p.(*resilience.Transcriber)
	return ok && t.State() == resilience.StateOpen
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session. Returns the zero value if
// no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}
	}
	info := sm.info
	info.State = sm.active.State().String()
	return info
}

// Config returns the config the next session will use.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.pending != nil {
		return sm.pending
	}
	return sm.cfg
}

// Reload queues newCfg for the next session. The log level changes at once.
// Capture, store and listener changes need a restart and are only logged.
func (sm *SessionManager) Reload(old, newCfg *config.Config) {
	d := config.Diff(old, newCfg)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && sm.level != nil {
		sm.level.Set(d.NewLogLevel.Level())
	}
	if d.RequiresRestart() {
		slog.Warn("config reload: some changes need a restart",
			"capture", d.CaptureChanged,
			"store", d.StoreChanged,
			"listen_addr", d.ListenAddrChanged,
		)
	}
	sm.mu.Lock()
	sm.pending = newCfg
	sm.mu.Unlock()
	slog.Info("config reload: queued for next session",
		"detector", d.DetectorChanged,
		"vad", d.VADChanged,
		"stt", d.STTChanged,
		"output", d.OutputChanged,
	)
}

// applyPending swaps in a queued config and rebuilds providers whose entry
// changed. A provider that fails to build keeps the previous one.
func (sm *SessionManager) applyPending() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.pending == nil {
		return sm.cfg
	}
	cp := *sm.pending
	next := &cp
	sm.pending = nil
	d := config.Diff(sm.cfg, next)

	if sm.registry != nil && d.VADChanged {
		eng, err := sm.registry.CreateVAD(next.Providers.VAD)
		if err != nil {
			slog.Error("config reload: keeping previous vad provider", "name", next.Providers.VAD.Name, "err", err)
			next.Providers.VAD = sm.cfg.Providers.VAD
		} else {
			closeIfCloser("vad", sm.engine)
			sm.engine = eng
		}
	}
	if sm.registry != nil && d.STTChanged {
		var (
			p   stt.Provider
			err error
		)
		if next.Providers.STT.Name != "" {
			p, err = sm.registry.CreateSTT(next.Providers.STT)
		}
		if err != nil {
			slog.Error("config reload: keeping previous stt provider", "name", next.Providers.STT.Name, "err", err)
			next.Providers.STT = sm.cfg.Providers.STT
		} else {
			closeIfCloser("stt", sm.stt)
			sm.stt = sm.guardSTT(next.Providers.STT.Name, p)
		}
	}
	// Restart-only sections keep their running values.
	next.Capture = sm.cfg.Capture
	next.Store = sm.cfg.Store
	next.Server.ListenAddr = sm.cfg.Server.ListenAddr
	sm.cfg = next
	return next
}

// RunOnce records a single session in mode. fixed is the recording length
// for [ModeCapture] and ignored otherwise.
//
// Cancelling ctx while capturing dispatches whatever was recorded so far.
// Fatal session errors are returned; sink and transcription failures are in
// the Result.
func (sm *SessionManager) RunOnce(ctx context.Context, mode Mode, fixed time.Duration) (session.Result, error) {
	return sm.runSession(ctx, mode, fixed, true)
}

// Listen runs detection sessions back to back until ctx is cancelled, which
// ends the loop with a nil error. The session in flight at cancellation is
// discarded. Any fatal session error stops the loop.
func (sm *SessionManager) Listen(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, err := sm.runSession(ctx, ModeListen, 0, false)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (sm *SessionManager) runSession(ctx context.Context, mode Mode, fixed time.Duration, finishOnCancel bool) (session.Result, error) {
	sm.run.Lock()
	defer sm.run.Unlock()

	cfg := sm.applyPending()
	sm.mu.Lock()
	engine, transcriber := sm.engine, sm.stt
	sm.mu.Unlock()

	if sm.source == nil {
		return session.Result{}, fmt.Errorf("app: %w: no capture source configured", session.ErrDevice)
	}
	snk, err := sm.newSink(cfg.Output)
	if err != nil {
		return session.Result{}, fmt.Errorf("app: build sink: %w", err)
	}

	scfg := session.Config{
		Capture: audio.StreamConfig{
			Device:          cfg.Capture.Device,
			SampleRate:      cfg.Capture.SampleRate,
			Channels:        cfg.Capture.Channels,
			FramesPerBuffer: cfg.Capture.FramesPerBuffer,
		},
		Detector: detector.Config{
			PollInterval:    cfg.Detector.PollInterval,
			WindowSize:      cfg.Detector.WindowSize,
			Threshold:       cfg.Detector.ThresholdValue(),
			LookbackSeconds: cfg.Detector.LookbackValue(),
		},
		Language: cfg.Providers.STT.Language,
	}

	id := uuid.NewString()
	opts := []session.Option{
		session.WithID(id),
		session.WithObserver(sm.snapshotObserver(id)),
		session.WithStore(sm.store),
	}
	if sm.metrics != nil {
		opts = append(opts, session.WithMetrics(sm.metrics))
	}
	if transcriber != nil {
		opts = append(opts, session.WithTranscriber(transcriber))
	}
	switch mode {
	case ModeCapture:
		// Device default rate, no detection.
		scfg.Capture.SampleRate = 0
		scfg.FixedDuration = fixed
	default:
		if engine == nil {
			return session.Result{}, fmt.Errorf("app: %w: no vad provider configured", session.ErrClassifierInit)
		}
		opts = append(opts, session.WithEngine(engine))
	}

	sess, err := session.New(scfg, sm.source, snk, opts...)
	if err != nil {
		return session.Result{}, fmt.Errorf("app: new session: %w", err)
	}
	sm.setActive(sess, SessionInfo{SessionID: id, Mode: mode, StartedAt: time.Now()})
	defer sm.setActive(nil, SessionInfo{})

	if err := sess.Begin(ctx); err != nil {
		return session.Result{}, err
	}
	if err := sess.Wait(ctx); err != nil {
		if ctx.Err() == nil || !finishOnCancel {
			sess.Abort()
			return session.Result{}, err
		}
		slog.Info("session: interrupted, dispatching captured audio", "session_id", id)
	}

	res, err := sess.Finish(context.WithoutCancel(ctx))
	if err != nil {
		return session.Result{}, err
	}
	sm.publishResult(res)
	if sm.onResult != nil {
		sm.onResult(res)
	}
	return res, nil
}

func (sm *SessionManager) setActive(s *session.Session, info SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.active = s
	sm.info = info
}

// snapshotObserver fans each detector snapshot out to the status hub and the
// injected observer.
func (sm *SessionManager) snapshotObserver(id string) detector.Observer {
	var toHub detector.Observer
	if sm.hub != nil {
		toHub = sm.hub.Observer(id)
	}
	if toHub == nil && sm.observer == nil {
		return nil
	}
	return func(s detector.Snapshot) {
		if toHub != nil {
			toHub(s)
		}
		if sm.observer != nil {
			sm.observer(s)
		}
	}
}

func (sm *SessionManager) publishResult(res session.Result) {
	if sm.hub == nil {
		return
	}
	u := &status.Utterance{
		Path:            res.Sink.Path,
		Text:            res.Text,
		Samples:         res.Samples,
		DurationSeconds: res.Duration.Seconds(),
	}
	if err := res.Err(); err != nil {
		u.Error = err.Error()
	}
	sm.hub.Publish(status.Event{Type: status.TypeUtterance, SessionID: res.ID, Utterance: u})
}

// Close releases the providers held by the manager.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	engine, transcriber := sm.engine, sm.stt
	sm.engine, sm.stt = nil, nil
	sm.mu.Unlock()
	return errors.Join(closeIfCloser("vad", engine), closeIfCloser("stt", transcriber))
}

// closeIfCloser closes v when it implements io.Closer.
func closeIfCloser(kind string, v any) error {
	c, ok := v.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		slog.Warn("app: close provider", "kind", kind, "err", err)
		return fmt.Errorf("app: close %s provider: %w", kind, err)
	}
	return nil
}
