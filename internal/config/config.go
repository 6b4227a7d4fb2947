// Package config provides the configuration schema, loader, provider registry
// and file watcher for earmark.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto slog. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detector  DetectorConfig  `yaml:"detector"`
	Providers ProvidersConfig `yaml:"providers"`
	Output    OutputConfig    `yaml:"output"`
	Store     StoreConfig     `yaml:"store"`
}

// ServerConfig holds logging and the optional HTTP listener.
type ServerConfig struct {
	// ListenAddr is the TCP address for health, metrics and the status feed
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig selects and configures the microphone.
type CaptureConfig struct {
	// Provider selects the registered capture source. Default: "portaudio".
	Provider string `yaml:"provider"`

	// Device is the input device name. Empty selects the system default.
	Device string `yaml:"device"`

	// SampleRate is the requested rate in Hz. The device may negotiate a
	// different one. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the requested channel count. Default: 1.
	Channels int `yaml:"channels"`

	// FramesPerBuffer is the capture callback size. Default: 512.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// DetectorConfig holds the speech-boundary detector parameters.
type DetectorConfig struct {
	// PollInterval is the time between classifier polls. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// WindowSize is the number of trailing samples classified per poll.
	// Default: 512.
	WindowSize int `yaml:"window_size"`

	// Threshold is the speech probability cut-off in [0, 1]. Default: 0.75.
	// A pointer so an explicit 0 is distinguishable from unset.
	Threshold *float64 `yaml:"threshold"`

	// LookbackSeconds is the history kept while no one is speaking.
	// Default: 5. A pointer so an explicit 0 (keep nothing) survives defaults.
	LookbackSeconds *float64 `yaml:"lookback_seconds"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	VAD ProviderEntry `yaml:"vad"`
	STT ProviderEntry `yaml:"stt"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "webrtc", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider. For whisper-native
	// this is the path to the ggml model file.
	Model string `yaml:"model"`

	// Language is the transcription language hint. Default: "en".
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// OutputConfig controls where utterances are written.
type OutputConfig struct {
	// Path is the WAV file path. Default: "out.wav".
	Path string `yaml:"path"`

	// Timestamped inserts a timestamp before the extension so consecutive
	// sessions do not overwrite each other.
	Timestamped bool `yaml:"timestamped"`
}

// StoreConfig configures the optional utterance log.
type StoreConfig struct {
	// PostgresDSN is the connection string for the utterance log. Empty
	// disables it.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ThresholdValue returns the configured threshold or 0 when unset.
func (d DetectorConfig) ThresholdValue() float64 {
	if d.Threshold == nil {
		return 0
	}
	return *d.Threshold
}

// LookbackValue returns the configured lookback or 0 when unset.
func (d DetectorConfig) LookbackValue() float64 {
	if d.LookbackSeconds == nil {
		return 0
	}
	return *d.LookbackSeconds
}

// OptionFloat reads a numeric option, accepting YAML ints and floats.
func (e ProviderEntry) OptionFloat(key string) (float64, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// OptionInt reads an integer option.
func (e ProviderEntry) OptionInt(key string) (int, bool) {
	switch v := e.Options[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
