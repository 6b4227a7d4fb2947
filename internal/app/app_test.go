package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/earmark/internal/app"
	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/internal/status"
	"github.com/MrWong99/earmark/pkg/audio"
	audiomock "github.com/MrWong99/earmark/pkg/audio/mock"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	sttmock "github.com/MrWong99/earmark/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/earmark/pkg/provider/vad/mock"
	"github.com/MrWong99/earmark/pkg/sink"
	sinkmock "github.com/MrWong99/earmark/pkg/sink/mock"
	"github.com/MrWong99/earmark/pkg/utterance"
	utterancemock "github.com/MrWong99/earmark/pkg/utterance/mock"
)

// ---- helpers ----------------------------------------------------------------

// speechCycle voices one poll, then goes quiet for two, which ends an
// utterance in three polls.
func speechCycle(call int) float64 {
	if call%3 == 0 {
		return 0.9
	}
	return 0.1
}

// harness bundles mock providers. The classifier pushes chunk samples into the
// stream on every poll before returning script(call).
type harness struct {
	stream *audiomock.Stream
	source *audiomock.Source
	cls    *vadmock.Classifier
	engine *vadmock.Engine
	stt    *closingSTT
	sink   *sinkmock.Sink
	store  *utterancemock.Store

	mu      sync.Mutex
	outputs []config.OutputConfig
}

// closingSTT is a transcriber that also implements io.Closer.
type closingSTT struct {
	*sttmock.Provider
	closed atomic.Int32
}

func (c *closingSTT) Close() error {
	c.closed.Add(1)
	return nil
}

func newHarness(script func(call int) float64) *harness {
	h := &harness{
		stream: &audiomock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 1}},
		stt:    &closingSTT{Provider: &sttmock.Provider{Segments: []stt.Segment{{Text: "hello there"}}}},
		sink:   &sinkmock.Sink{Report: sink.Report{Path: "out.wav"}},
		store:  &utterancemock.Store{},
	}
	h.source = &audiomock.Source{OpenResult: h.stream}
	var calls atomic.Int64
	h.cls = &vadmock.Classifier{ClassifyFunc: func([]float32) (float64, error) {
		h.stream.Push(make([]float32, 1600))
		n := calls.Add(1) - 1
		return script(int(n)), nil
	}}
	h.engine = &vadmock.Engine{Classifier: h.cls}
	return h
}

func (h *harness) providers() *app.Providers {
	return &app.Providers{Capture: h.source, VAD: h.engine, STT: h.stt}
}

func (h *harness) sinkFactory(out config.OutputConfig) (sink.Sink, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputs = append(h.outputs, out)
	return h.sink, nil
}

func (h *harness) lastOutput() config.OutputConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outputs) == 0 {
		return config.OutputConfig{}
	}
	return h.outputs[len(h.outputs)-1]
}

// testConfig returns defaults with a 1 ms poll so tests finish quickly.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Detector.PollInterval = time.Millisecond
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, h *harness, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithStore(h.store),
		app.WithSinkFactory(h.sinkFactory),
	}
	a, err := app.New(context.Background(), cfg, h.providers(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ---- tests ------------------------------------------------------------------

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a := newApp(t, testConfig(), h)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"capture", "classifier", "store_writes", "transcription"} {
		if body.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, body.Checks[name])
		}
	}
	if h.cls.CloseCallCount != 1 {
		t.Errorf("readiness probe should close its classifier, closed %d times", h.cls.CloseCallCount)
	}
}

func TestNew_NoCaptureIsNotReady(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", rec.Code)
	}
}

func TestApp_Record(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	var results []session.Result
	a := newApp(t, testConfig(), h, app.WithResultHandler(func(r session.Result) {
		results = append(results, r)
	}))

	res, err := a.Record(testCtx(t))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Samples == 0 {
		t.Error("expected captured samples")
	}
	if res.Text != "hello there" {
		t.Errorf("text = %q", res.Text)
	}
	if h.sink.CallCount() != 1 {
		t.Errorf("sink writes = %d, want 1", h.sink.CallCount())
	}
	if h.store.CallCount("Record") != 1 {
		t.Errorf("store records = %d, want 1", h.store.CallCount("Record"))
	}
	if len(results) != 1 || results[0].ID != res.ID {
		t.Errorf("result handler got %d results", len(results))
	}
	if got := h.source.OpenCalls[0].SampleRate; got != 16000 {
		t.Errorf("requested rate = %d, want 16000", got)
	}
	if a.Sessions().IsActive() {
		t.Error("no session should be active after Record")
	}
}

func TestApp_RecordInterruptedDispatches(t *testing.T) {
	t.Parallel()
	h := newHarness(func(int) float64 { return 0.9 })
	a := newApp(t, testConfig(), h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for h.cls.CallCount() < 5 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := a.Record(ctx)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Samples == 0 {
		t.Error("interrupted record should keep what was captured")
	}
	if h.sink.CallCount() != 1 {
		t.Errorf("sink writes = %d, want 1", h.sink.CallCount())
	}
}

func TestApp_RecordWithoutVAD(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	providers := h.providers()
	providers.VAD = nil
	a, err := app.New(context.Background(), testConfig(), providers, app.WithSinkFactory(h.sinkFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, err := a.Record(testCtx(t)); !errors.Is(err, session.ErrClassifierInit) {
		t.Fatalf("Record err = %v, want ErrClassifierInit", err)
	}
}

func TestApp_CaptureFixedDuration(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a := newApp(t, testConfig(), h)

	start := time.Now()
	res, err := a.Capture(testCtx(t), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("capture returned after %s", elapsed)
	}
	if got := h.source.OpenCalls[0].SampleRate; got != 0 {
		t.Errorf("capture should request the device default rate, got %d", got)
	}
	if h.cls.CallCount() != 0 {
		t.Error("capture must not run the classifier")
	}
	if res.Format.SampleRate != 16000 {
		t.Errorf("format = %s", res.Format)
	}
	if h.sink.CallCount() != 1 {
		t.Errorf("sink writes = %d, want 1", h.sink.CallCount())
	}
}

func TestApp_CaptureRejectsNonPositiveDuration(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), newHarness(speechCycle))
	if _, err := a.Capture(testCtx(t), 0); err == nil {
		t.Fatal("expected error for zero duration")
	}
}

func TestApp_ListenRunsUntilCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	ctx, cancel := context.WithCancel(testCtx(t))
	var results atomic.Int32
	a := newApp(t, testConfig(), h, app.WithResultHandler(func(session.Result) {
		if results.Add(1) == 3 {
			cancel()
		}
	}))

	if err := a.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if got := results.Load(); got < 3 {
		t.Errorf("results = %d, want >= 3", got)
	}
	if got := h.sink.CallCount(); got < 3 {
		t.Errorf("sink writes = %d, want >= 3", got)
	}
	if n := len(h.engine.NewClassifierCalls); n < 3 {
		t.Errorf("each session should build its own classifier, got %d builds", n)
	}
}

func TestApp_ListenStopsOnFatalError(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	h.source.OpenErr = errors.New("device unplugged")
	a := newApp(t, testConfig(), h)

	err := a.Listen(testCtx(t))
	if !errors.Is(err, session.ErrDevice) {
		t.Fatalf("Listen err = %v, want ErrDevice", err)
	}
}

func TestApp_ListenRunsExtraTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	ctx, cancel := context.WithCancel(testCtx(t))
	a := newApp(t, testConfig(), h, app.WithResultHandler(func(session.Result) { cancel() }))

	var stopped atomic.Bool
	err := a.Listen(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if !stopped.Load() {
		t.Error("extra task should stop with the listener")
	}
}

func TestApp_RunsHTTPServer(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newApp(t, cfg, h)

	if _, err := a.Record(testCtx(t)); err != nil {
		t.Fatalf("Record with HTTP server: %v", err)
	}
}

func TestApp_ListenAddrInUse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h := newHarness(speechCycle)
	cfg := testConfig()
	cfg.Server.ListenAddr = strings.TrimPrefix(srv.URL, "http://")
	a := newApp(t, cfg, h)

	if _, err := a.Record(testCtx(t)); err == nil {
		t.Fatal("expected listen error")
	}
	if h.source.OpenCalls != nil {
		t.Error("no session should start when the listener fails")
	}
}

func TestHandler_Session(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), newHarness(speechCycle))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/session", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("/session while idle = %d, want 204", rec.Code)
	}
}

func TestHandler_Utterances(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	for i, text := range []string{"first", "second", "third"} {
		_ = h.store.Record(context.Background(), utterance.Utterance{
			SessionID: text,
			Text:      text,
			StartedAt: time.Unix(int64(i), 0),
		})
	}
	a := newApp(t, testConfig(), h)

	tests := []struct {
		query    string
		wantCode int
		wantLen  int
	}{
		{"", http.StatusOK, 3},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/utterances"+tc.query, nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.wantCode != http.StatusOK {
				return
			}
			var got []utterance.Utterance
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if got[0].Text != "third" {
				t.Errorf("newest first: got %q", got[0].Text)
			}
		})
	}
}

func TestHandler_UtterancesWithoutStore(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a, err := app.New(context.Background(), testConfig(), h.providers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/utterances", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}

func TestHandler_StatusFeed(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a := newApp(t, testConfig(), h)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx := testCtx(t)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/status", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	for a.Hub().Clients() == 0 {
		time.Sleep(time.Millisecond)
	}

	res, err := a.Record(ctx)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	sawSnapshot := false
	for {
		var ev status.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.SessionID != res.ID {
			t.Fatalf("event for session %q, want %q", ev.SessionID, res.ID)
		}
		if ev.Type == status.TypeSnapshot {
			sawSnapshot = true
			continue
		}
		if ev.Type == status.TypeUtterance {
			if ev.Utterance.Text != "hello there" || ev.Utterance.Path != "out.wav" {
				t.Errorf("utterance = %+v", ev.Utterance)
			}
			break
		}
	}
	if !sawSnapshot {
		t.Error("expected at least one snapshot before the utterance")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a, err := app.New(context.Background(), testConfig(), h.providers(), app.WithSinkFactory(h.sinkFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if got := h.stt.closed.Load(); got != 1 {
		t.Errorf("transcriber Close calls = %d, want 1", got)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(speechCycle)
	a, err := app.New(context.Background(), testConfig(), h.providers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown err = %v, want context.Canceled", err)
	}
}
