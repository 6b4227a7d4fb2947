package main

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/internal/detector"
	"github.com/MrWong99/earmark/internal/session"
	"github.com/MrWong99/earmark/pkg/audio"
	audiomock "github.com/MrWong99/earmark/pkg/audio/mock"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	sttmock "github.com/MrWong99/earmark/pkg/provider/stt/mock"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	vadmock "github.com/MrWong99/earmark/pkg/provider/vad/mock"
	"github.com/MrWong99/earmark/pkg/sink"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	want := map[string][]string{
		"capture": {"portaudio"},
		"vad":     {"energy", "webrtc"},
		"stt":     {"openai", "whisper", "whisper-native"},
	}
	for kind, names := range want {
		if got := reg.Names(kind); !slices.Equal(got, names) {
			t.Errorf("Names(%q) = %v, want %v", kind, got, names)
		}
	}
}

func TestRegisterBuiltinProviders_FactoriesHonourEntries(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy", Options: map[string]any{"knee": 0.05}}); err != nil {
		t.Errorf("energy: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"}); err == nil {
		t.Error("whisper without base_url: expected error")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper", BaseURL: "http://localhost:8080", Language: "de"}); err != nil {
		t.Errorf("whisper: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "openai"}); err == nil {
		t.Error("openai without api_key: expected error")
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "openai", APIKey: "sk-test"}); err != nil {
		t.Errorf("openai: %v", err)
	}
}

func mockRegistry(src *audiomock.Source, engine *vadmock.Engine, transcriber *sttmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterCapture("mock", func(config.CaptureConfig) (audio.Source, error) { return src, nil })
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return engine, nil })
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return transcriber, nil })
	return reg
}

func TestBuildProviders(t *testing.T) {
	src, engine, transcriber := &audiomock.Source{}, &vadmock.Engine{}, &sttmock.Provider{}
	reg := mockRegistry(src, engine, transcriber)

	cfg := config.Default()
	cfg.Capture.Provider = "mock"
	cfg.Providers.VAD.Name = "mock"
	cfg.Providers.STT.Name = "mock"

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Capture != src {
		t.Error("capture source not wired")
	}
	if ps.VAD != engine {
		t.Error("vad engine not wired")
	}
	if ps.STT != transcriber {
		t.Error("stt provider not wired")
	}
}

func TestBuildProviders_SkipsUnregisteredOptionalProviders(t *testing.T) {
	reg := mockRegistry(&audiomock.Source{}, nil, nil)

	cfg := config.Default()
	cfg.Capture.Provider = "mock"
	cfg.Providers.VAD.Name = "nope"
	cfg.Providers.STT.Name = ""

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.VAD != nil || ps.STT != nil {
		t.Errorf("expected no vad or stt, got %v / %v", ps.VAD, ps.STT)
	}
}

func TestBuildProviders_CaptureRequired(t *testing.T) {
	reg := config.NewRegistry()
	cfg := config.Default()
	cfg.Capture.Provider = "nope"

	_, err := buildProviders(cfg, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBuildProviders_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	reg := mockRegistry(&audiomock.Source{}, nil, nil)
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })

	cfg := config.Default()
	cfg.Capture.Provider = "mock"
	cfg.Providers.VAD.Name = ""
	cfg.Providers.STT.Name = "broken"

	if _, err := buildProviders(cfg, reg); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Detector.PollInterval != config.DefaultPollInterval {
		t.Errorf("poll_interval = %s, want %s", cfg.Detector.PollInterval, config.DefaultPollInterval)
	}
}

func TestStatusLine(t *testing.T) {
	var buf bytes.Buffer
	line := &statusLine{w: &buf}

	line.Clear()
	if buf.Len() != 0 {
		t.Fatalf("Clear before Print wrote %q", buf.String())
	}

	line.Print(detector.Snapshot{State: detector.Speaking, Probability: 0.91, BufferedSeconds: 1.5})
	got := buf.String()
	if !strings.HasPrefix(got, "\r\x1b[2K") {
		t.Errorf("line does not start by erasing: %q", got)
	}
	if !strings.Contains(got, "speaking") || !strings.Contains(got, "p=0.91") {
		t.Errorf("line = %q", got)
	}

	buf.Reset()
	line.Clear()
	if buf.String() != "\r\x1b[2K" {
		t.Errorf("Clear wrote %q", buf.String())
	}

	var nilLine *statusLine
	nilLine.Print(detector.Snapshot{})
	nilLine.Clear()
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, session.Result{
		Samples:  16000,
		Duration: time.Second,
		Sink:     sink.Report{Path: "out.wav", SamplesWritten: 16000},
		Text:     "hello there",
	})
	got := buf.String()
	if !strings.Contains(got, "wrote out.wav (16000 samples, 1s)") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, "hello there\n") {
		t.Errorf("transcript missing: %q", got)
	}
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"capture", "devices", "listen", "record"} {
		if !slices.Contains(names, want) {
			t.Errorf("missing command %q in %v", want, names)
		}
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("missing --config flag")
	}
}
