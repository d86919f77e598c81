package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantSub: "server.log_level",
		},
		{
			name:    "tls without key",
			yaml:    "server:\n  tls:\n    cert_file: cert.pem\n",
			wantSub: "server.tls",
		},
		{
			name:    "frame duration",
			yaml:    "audio:\n  frame_duration_ms: 25\n",
			wantSub: "audio.frame_duration_ms",
		},
		{
			name:    "channels",
			yaml:    "audio:\n  channels: 6\n",
			wantSub: "audio.channels",
		},
		{
			name:    "bytes per sample",
			yaml:    "audio:\n  bytes_per_sample: 3\n",
			wantSub: "audio.bytes_per_sample",
		},
		{
			name:    "encoding",
			yaml:    "audio:\n  encoding: flac\n",
			wantSub: "audio.encoding",
		},
		{
			name:    "stereo g711",
			yaml:    "audio:\n  encoding: alaw\n  channels: 2\n",
			wantSub: "requires channels: 1",
		},
		{
			name:    "aggressiveness",
			yaml:    "endpoint:\n  classifier_aggressiveness: 4\n",
			wantSub: "endpoint.classifier_aggressiveness",
		},
		{
			name:    "negative idle",
			yaml:    "endpoint:\n  initial_idle_ms: -5\n",
			wantSub: "endpoint.initial_idle_ms",
		},
		{
			name:    "negative min speech",
			yaml:    "endpoint:\n  min_speech_duration_ms: -1\n",
			wantSub: "endpoint.min_speech_duration_ms",
		},
		{
			name:    "max utterance below one frame",
			yaml:    "endpoint:\n  max_utterance_ms: 5\n",
			wantSub: "shorter than one frame",
		},
		{
			name:    "vocabulary threshold",
			yaml:    "vocabulary:\n  fuzzy_threshold: 1.5\n",
			wantSub: "vocabulary.fuzzy_threshold",
		},
		{
			name:    "fallback without name",
			yaml:    "providers:\n  stt_fallbacks:\n    - api_key: x\n",
			wantSub: "providers.stt_fallbacks[0].name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Every case carries a valid STT entry.
			var yaml string
			if strings.HasPrefix(tt.yaml, "providers:") {
				yaml = strings.Replace(tt.yaml, "providers:\n", "providers:\n  stt:\n    name: whisper\n", 1)
			} else {
				yaml = tt.yaml + "providers:\n  stt:\n    name: whisper\n"
			}
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error should mention %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
audio:
  frame_duration_ms: 15
endpoint:
  subsequent_idle_ms: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, sub := range []string{"audio.frame_duration_ms", "endpoint.subsequent_idle_ms", "providers.stt.name"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("error should mention %s, got: %v", sub, err)
		}
	}
}

func TestValidate_DisableAudioAllowsEmptyLogDirectory(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Storage.LogDirectory = ""
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for empty log_directory")
	}
	cfg.Storage.DisableAudio = true
	if err := config.Validate(cfg); err != nil {
		t.Errorf("unexpected error with disable_audio: %v", err)
	}
}

func TestValidate_UnknownProviderNameOnlyWarns(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    name: my-custom-stt
  vad:
    name: webrtc
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"stt", "vad"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] should not be empty", kind)
		}
	}
}
