// Package app wires the earmark subsystems into a running application.
//
// The App struct owns the full lifecycle: New connects the utterance store,
// builds the HTTP surface (health, metrics, the live status feed) and the
// session manager; Record, Capture and Listen run sessions alongside the HTTP
// server; Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithSinkFactory, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/health"
	"github.com/MrWong99/earmark/internal/observe"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/status"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/utterance"
	"github.com/MrWong99/earmark/pkg/utterance/postgres"
)

const (
	shutdownTimeout     = 5 * time.Second
	defaultRecentLimit  = 20
	maxRecentLimit      = 500
	readHeaderTimeout   = 10 * time.Second
	probeChunkSize      = 512
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Capture audio.Source
	VAD     vad.Engine
	STT     stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     utterance.Store
	guard     *session.StoreGuard
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	hub       *status.Hub
	health    *health.Handler
	sessions  *SessionManager
	handler   http.Handler

	// Injected collaborators forwarded to the session manager.
	registry    *config.Registry
	sinkFactory SinkFactory
	observer    detector.Observer
	onResult    func(session.Result)
	level       *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an utterance store instead of connecting to
// store.postgres_dsn.
func WithStore(s utterance.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSinkFactory replaces the WAV sink factory.
func WithSinkFactory(f SinkFactory) Option {
	return func(a *App) { a.sinkFactory = f }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry exposes t's Prometheus handler on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithRegistry lets config reloads rebuild providers.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithObserver receives every detector snapshot of every session.
func WithObserver(fn detector.Observer) Option {
	return func(a *App) { a.observer = fn }
}

// WithResultHandler is called with the result of every finished session.
func WithResultHandler(fn func(session.Result)) Option {
	return func(a *App) { a.onResult = fn }
}

// WithLogLevel lets config reloads adjust the log level.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		hub:       status.NewHub(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.health = health.New(a.readinessCheckers()...)

	// ── 1. Utterance store ───────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:      cfg,
		Providers:   providers,
		Registry:    a.registry,
		SinkFactory: a.sinkFactory,
		Store:       a.sessionStore(),
		Metrics:     a.metrics,
		Hub:         a.hub,
		Observer:    a.observer,
		OnResult:    a.onResult,
		LogLevel:    a.level,
	})
	a.closers = append(a.closers, a.sessions.Close)
	if providers.STT != nil {
		a.health.Add(health.DegradedChecker("transcription", a.sessions.TranscriberDegraded))
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()
	return a, nil
}

// initStore connects to PostgreSQL when configured or uses the injected store.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil && a.cfg.Store.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, a.cfg.Store.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = pg
		a.health.Add(health.PingChecker("store", pg))
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}
	if a.store == nil {
		return nil
	}
	a.guard = session.NewStoreGuard(a.store)
	a.health.Add(health.DegradedChecker("store_writes", a.guard.IsDegraded))
	return nil
}

// sessionStore returns the guard as a store, or nil without one.
func (a *App) sessionStore() utterance.Store {
	if a.guard == nil {
		return nil
	}
	return a.guard
}

// readinessCheckers reports whether the capture source and the classifier
// engine are usable.
func (a *App) readinessCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name: "capture",
		Check: func(context.Context) error {
			if a.providers.Capture == nil {
				return errors.New("no capture source configured")
			}
			return nil
		},
	}}
	if a.providers.VAD != nil {
		checkers = append(checkers, health.Checker{
			Name: "classifier",
			Check: func(context.Context) error {
				cls, err := a.providers.VAD.NewClassifier(vad.Config{
					SampleRate: a.cfg.Capture.SampleRate,
					ChunkSize:  probeChunkSize,
				})
				if err != nil {
					return err
				}
				return cls.Close()
			},
		})
	}
	return checkers
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	mux.Handle("GET /ws/status", a.hub)
	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("GET /utterances", a.handleUtterances)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP surface: /healthz, /readyz, /metrics, /ws/status,
// /session and /utterances.
func (a *App) Handler() http.Handler { return a.handler }

// Hub returns the live status hub.
func (a *App) Hub() *status.Hub { return a.hub }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	info := a.sessions.Info()
	if info.SessionID == "" {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleUtterances(w http.ResponseWriter, r *http.Request) {
	if a.guard == nil {
		http.Error(w, "utterance log not configured", http.StatusNotFound)
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecentLimit)
	}
	recent, _ := a.guard.Recent(r.Context(), limit)
	writeJSON(w, http.StatusOK, recent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	if v == nil {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Record records one utterance, stopping at the detected end of speech.
func (a *App) Record(ctx context.Context) (session.Result, error) {
	var res session.Result
	err := a.run(ctx, func(ctx context.Context) error {
		var err error
		res, err = a.sessions.RunOnce(ctx, ModeRecord, 0)
		return err
	})
	return res, err
}

// Capture records for exactly d at the device's default rate.
func (a *App) Capture(ctx context.Context, d time.Duration) (session.Result, error) {
	if d <= 0 {
		return session.Result{}, fmt.Errorf("app: capture duration must be positive, got %s", d)
	}
	var res session.Result
	err := a.run(ctx, func(ctx context.Context) error {
		var err error
		res, err = a.sessions.RunOnce(ctx, ModeCapture, d)
		return err
	})
	return res, err
}

// Listen records utterances back to back until ctx is cancelled.
func (a *App) Listen(ctx context.Context, extra ...func(context.Context) error) error {
	return a.run(ctx, a.sessions.Listen, extra...)
}

// Reload queues newCfg for the next session. Wire it to a config.Watcher.
func (a *App) Reload(old, newCfg *config.Config) {
	a.sessions.Reload(old, newCfg)
}

// run executes work next to the HTTP server (when configured) and any extra
// background tasks. Everything stops when work returns.
func (a *App) run(ctx context.Context, work func(context.Context) error, extra ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		g.Go(func() error { return a.serve(gctx, ln) })
	}
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return work(gctx)
	})
	return g.Wait()
}

// serve runs the HTTP server on ln until ctx is cancelled.
func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	a.hub.Close()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.hub.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
