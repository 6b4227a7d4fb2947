package config

import "maps"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Applied to the next session.
	DetectorChanged bool
	VADChanged      bool
	STTChanged      bool
	OutputChanged   bool

	// Need a restart; the running process keeps the old values.
	CaptureChanged    bool
	StoreChanged      bool
	ListenAddrChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return d == ConfigDiff{}
}

// RequiresRestart reports whether any change cannot be applied between
// sessions.
func (d ConfigDiff) RequiresRestart() bool {
	return d.CaptureChanged || d.StoreChanged || d.ListenAddrChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	d.DetectorChanged = old.Detector.PollInterval != new.Detector.PollInterval ||
		old.Detector.WindowSize != new.Detector.WindowSize ||
		old.Detector.ThresholdValue() != new.Detector.ThresholdValue() ||
		old.Detector.LookbackValue() != new.Detector.LookbackValue()

	d.VADChanged = !sameEntry(old.Providers.VAD, new.Providers.VAD)
	d.STTChanged = !sameEntry(old.Providers.STT, new.Providers.STT)
	d.OutputChanged = old.Output != new.Output
	d.CaptureChanged = old.Capture != new.Capture
	d.StoreChanged = old.Store != new.Store

	return d
}

// sameEntry compares two provider entries including their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Language != b.Language {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return x == y })
}
