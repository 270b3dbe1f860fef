package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RecordingModeChanged bool
	NewRecordingMode     string

	RecordingKeyChanged bool
	NewRecordingKey     string

	// VoiceChanged is set when the voice or speech rate changed. Duplex
	// sessions pick it up on the next connect, turn-based pipelines on the
	// next synthesis.
	VoiceChanged bool
	NewVoice     string
	NewSpeed     float64

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RecordingModeChanged && !d.RecordingKeyChanged &&
		!d.VoiceChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Recording.Mode != new.Recording.Mode {
		d.RecordingModeChanged = true
		d.NewRecordingMode = new.Recording.Mode
	}
	if old.Recording.Key != new.Recording.Key {
		d.RecordingKeyChanged = true
		d.NewRecordingKey = new.Recording.Key
	}

	if old.Pipeline.Voice != new.Pipeline.Voice || old.Pipeline.Speed != new.Pipeline.Speed {
		d.VoiceChanged = true
		d.NewVoice = new.Pipeline.Voice
		d.NewSpeed = new.Pipeline.Speed
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Pipeline.Mode != new.Pipeline.Mode {
		d.RestartRequired = append(d.RestartRequired, "pipeline.mode")
	}
	if old.Realtime.URL != new.Realtime.URL || old.Realtime.Token != new.Realtime.Token {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if !sameEntries(old.Providers.STT, new.Providers.STT) ||
		!sameEntries(old.Providers.Converse, new.Providers.Converse) ||
		!sameEntries(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio.Input.Name != new.Audio.Input.Name || old.Audio.Output.Name != new.Audio.Output.Name {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

// sameEntries compares provider lists by name, endpoint and model. Options
// are not compared.
func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].BaseURL != b[i].BaseURL ||
			a[i].Model != b[i].Model || a[i].APIKey != b[i].APIKey {
			return false
		}
	}
	return true
}
