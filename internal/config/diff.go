package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
//
// Changes fall in two groups. Connection-level settings (audio format,
// endpoint thresholds, auto resume) are applied to connections opened after
// the reload; open connections keep their settings. Everything else
// (listener, providers, vocabulary, storage, telemetry) is only picked up on restart and
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConnectionChanged is true when any per-connection setting changed.
	ConnectionChanged bool

	// RestartRequired names the top-level keys whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConnectionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Audio != new.Audio ||
		!endpointEqual(old.Endpoint, new.Endpoint) ||
		old.Server.AutoResume != new.Server.AutoResume {
		d.ConnectionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !slices.Equal(old.Vocabulary.Terms, new.Vocabulary.Terms) ||
		old.Vocabulary.PhoneticThreshold != new.Vocabulary.PhoneticThreshold ||
		old.Vocabulary.FuzzyThreshold != new.Vocabulary.FuzzyThreshold {
		d.RestartRequired = append(d.RestartRequired, "vocabulary")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

func endpointEqual(a, b EndpointConfig) bool {
	return a.Aggressiveness() == b.Aggressiveness() &&
		a.InitialIdleMs == b.InitialIdleMs &&
		a.SubsequentIdleMs == b.SubsequentIdleMs &&
		a.MinSpeechDurationMs == b.MinSpeechDurationMs &&
		a.MaxUtteranceMs == b.MaxUtteranceMs
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.VAD, b.VAD) || !entryEqual(a.STT, b.STT) || len(a.STTFallbacks) != len(b.STTFallbacks) {
		return false
	}
	for i := range a.STTFallbacks {
		if !entryEqual(a.STTFallbacks[i], b.STTFallbacks[i]) {
			return false
		}
	}
	return true
}

// entryEqual compares the scalar fields and the option keys and values as
// printed; options hold YAML scalars or nested maps.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
