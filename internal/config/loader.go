package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/audio/codec"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai", "deepgram"},
	"vad": {"energy", "silero"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration, which fails validation only for the missing
// STT provider.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects defaults to have been applied.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	switch a.FrameDurationMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: 10, 20, 30", a.FrameDurationMs))
	}
	if a.Channels < 1 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.BytesPerSample != 2 {
		errs = append(errs, fmt.Errorf("audio.bytes_per_sample %d is unsupported; only 2 (16-bit PCM) is accepted", a.BytesPerSample))
	}
	enc, err := codec.Parse(a.Encoding)
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.encoding %q is invalid; valid values: %v", a.Encoding, codec.Encodings()))
	} else if (enc == codec.MuLaw || enc == codec.ALaw) && a.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.encoding %s requires channels: 1", enc))
	}

	// Endpoint
	e := cfg.Endpoint
	if aggr := e.Aggressiveness(); aggr < 0 || aggr > 3 {
		errs = append(errs, fmt.Errorf("endpoint.classifier_aggressiveness %d is out of range [0, 3]", aggr))
	}
	if e.InitialIdleMs <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.initial_idle_ms %d must be positive", e.InitialIdleMs))
	}
	if e.SubsequentIdleMs <= 0 {
		errs = append(errs, fmt.Errorf("endpoint.subsequent_idle_ms %d must be positive", e.SubsequentIdleMs))
	}
	if e.MinSpeechDurationMs < 0 {
		errs = append(errs, fmt.Errorf("endpoint.min_speech_duration_ms %d must not be negative", e.MinSpeechDurationMs))
	}
	if e.MaxUtteranceMs < 0 {
		errs = append(errs, fmt.Errorf("endpoint.max_utterance_ms %d must not be negative", e.MaxUtteranceMs))
	}
	if e.MaxUtteranceMs > 0 && a.FrameDurationMs > 0 && e.MaxUtteranceMs < a.FrameDurationMs {
		errs = append(errs, fmt.Errorf("endpoint.max_utterance_ms %d is shorter than one frame", e.MaxUtteranceMs))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	seen := map[string]string{cfg.Providers.STT.Name: "providers.stt"}
	for i, fb := range cfg.Providers.STTFallbacks {
		prefix := fmt.Sprintf("providers.stt_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("stt", fb.Name)
		if prev, ok := seen[fb.Name]; ok {
			// Same backend twice only makes sense with different endpoints.
			slog.Warn("config: transcriber configured more than once", "name", fb.Name, "first", prev, "again", prefix)
		}
		seen[fb.Name] = prefix
	}

	// Vocabulary
	for key, v := range map[string]float64{
		"phonetic_threshold": cfg.Vocabulary.PhoneticThreshold,
		"fuzzy_threshold":    cfg.Vocabulary.FuzzyThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("vocabulary.%s must be in [0, 1], got %v", key, v))
		}
	}

	// Storage
	if cfg.Storage.MetricsCSV == "" {
		errs = append(errs, errors.New("storage.metrics_csv must not be empty"))
	}
	if cfg.Storage.LogDirectory == "" && !cfg.Storage.DisableAudio {
		errs = append(errs, errors.New("storage.log_directory must not be empty unless storage.disable_audio is set"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
