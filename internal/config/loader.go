package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultCaptureProvider = "portaudio"
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultFramesPerBuffer = 512
	DefaultPollInterval    = time.Second
	DefaultWindowSize      = 512
	DefaultThreshold       = 0.75
	DefaultLookbackSeconds = 5.0
	DefaultVADProvider     = "webrtc"
	DefaultLanguage        = "en"
	DefaultOutputPath      = "out.wav"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture": {"portaudio"},
	"vad":     {"webrtc", "energy"},
	"stt":     {"whisper", "whisper-native", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	c := &cfg.Capture
	if c.Provider == "" {
		c.Provider = DefaultCaptureProvider
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.FramesPerBuffer == 0 {
		c.FramesPerBuffer = DefaultFramesPerBuffer
	}

	d := &cfg.Detector
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.WindowSize == 0 {
		d.WindowSize = DefaultWindowSize
	}
	if d.Threshold == nil {
		t := DefaultThreshold
		d.Threshold = &t
	}
	if d.LookbackSeconds == nil {
		l := DefaultLookbackSeconds
		d.LookbackSeconds = &l
	}

	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = DefaultVADProvider
	}
	if cfg.Providers.STT.Language == "" {
		cfg.Providers.STT.Language = DefaultLanguage
	}

	if cfg.Output.Path == "" {
		cfg.Output.Path = DefaultOutputPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must be positive, got %d", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 {
		errs = append(errs, fmt.Errorf("capture.channels must be positive, got %d", cfg.Capture.Channels))
	}
	if cfg.Capture.FramesPerBuffer < 0 {
		errs = append(errs, fmt.Errorf("capture.frames_per_buffer must be positive, got %d", cfg.Capture.FramesPerBuffer))
	}

	// Detector
	d := cfg.Detector
	if d.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("detector.poll_interval must be positive, got %s", d.PollInterval))
	}
	if d.WindowSize < 0 {
		errs = append(errs, fmt.Errorf("detector.window_size must be positive, got %d", d.WindowSize))
	}
	if t := d.ThresholdValue(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("detector.threshold %.2f is out of range [0, 1]", t))
	}
	if l := d.LookbackValue(); l < 0 {
		errs = append(errs, fmt.Errorf("detector.lookback_seconds must not be negative, got %.2f", l))
	}
	if l := d.LookbackValue(); d.PollInterval > 0 && l > 0 && d.PollInterval > time.Duration(l*float64(time.Second)) {
		slog.Warn("detector.poll_interval exceeds detector.lookback_seconds; speech onset may be trimmed",
			"poll_interval", d.PollInterval,
			"lookback_seconds", d.LookbackValue(),
		)
	}

	// Providers
	validateProviderName("capture", cfg.Capture.Provider)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)

	switch cfg.Providers.STT.Name {
	case "whisper":
		if cfg.Providers.STT.BaseURL == "" {
			errs = append(errs, errors.New("providers.stt.base_url is required for the whisper provider"))
		}
	case "whisper-native":
		if cfg.Providers.STT.Model == "" {
			errs = append(errs, errors.New("providers.stt.model must point at a ggml model file for whisper-native"))
		}
	case "openai":
		if cfg.Providers.STT.APIKey == "" {
			errs = append(errs, errors.New("providers.stt.api_key is required for the openai provider"))
		}
	case "":
		slog.Debug("providers.stt is not configured; utterances will not be transcribed")
	}

	// Output
	if strings.HasSuffix(cfg.Output.Path, "/") {
		errs = append(errs, fmt.Errorf("output.path %q names a directory", cfg.Output.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not in the
// known list for the given kind. Custom providers registered at runtime are
// still allowed, so this never fails validation.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if !slices.Contains(known, name) {
		slog.Warn("unknown provider name; it must be registered at runtime",
			"kind", kind,
			"name", name,
			"known", known,
		)
	}
}
