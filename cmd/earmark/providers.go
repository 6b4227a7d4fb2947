package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/earmark/internal/app"
	"github.com/MrWong99/earmark/internal/config"
	"github.com/MrWong99/earmark/pkg/audio"
	"github.com/MrWong99/earmark/pkg/audio/portaudio"
	"github.com/MrWong99/earmark/pkg/provider/stt"
	"github.com/MrWong99/earmark/pkg/provider/stt/openai"
	"github.com/MrWong99/earmark/pkg/provider/stt/whisper"
	"github.com/MrWong99/earmark/pkg/provider/vad"
	"github.com/MrWong99/earmark/pkg/provider/vad/energy"
	"github.com/MrWong99/earmark/pkg/provider/vad/webrtc"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────
	// Device, rate and channels are requested per stream, not per source.
	reg.RegisterCapture("portaudio", func(config.CaptureConfig) (audio.Source, error) {
		return portaudio.New()
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("webrtc", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []webrtc.Option
		if mode, ok := entry.OptionInt("mode"); ok {
			opts = append(opts, webrtc.WithMode(mode))
		}
		return webrtc.New(opts...)
	})
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if knee, ok := entry.OptionFloat("knee"); ok {
			opts = append(opts, energy.WithKnee(knee))
		}
		return energy.New(opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if n, ok := entry.OptionInt("threads"); ok {
			opts = append(opts, whisper.WithThreads(n))
		}
		return whisper.NewNative(entry.Model, opts...)
	})
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Language != "" {
			opts = append(opts, openai.WithLanguage(entry.Language))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, kind := range []string{"capture", "vad", "stt"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg. Capture is
// required; VAD and STT are skipped when unnamed or not registered.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	src, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create capture provider %q: %w", cfg.Capture.Provider, err)
	}
	ps.Capture = src
	slog.Info("provider created", "kind", "capture", "name", cfg.Capture.Provider)

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown provider, skipping", "kind", "vad", "name", name)
		case err != nil:
			closeSource(src)
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		default:
			ps.VAD = p
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("unknown provider, skipping", "kind", "stt", "name", name)
		case err != nil:
			closeSource(src)
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		default:
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}
	return ps, nil
}

func closeSource(src audio.Source) {
	if c, ok := src.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
