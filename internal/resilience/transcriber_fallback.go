package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Provider] with failover across several
// transcription backends. Each backend has its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *TranscriberFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends req to the first healthy backend. When the backend leaves
// Transcript.Provider empty it is set to the entry name.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	t, name, err := executeNamed(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, req)
	})
	if err != nil {
		return stt.Transcript{}, err
	}
	if t.Provider == "" {
		t.Provider = name
	}
	return t, nil
}

// Healthy reports whether any backend would accept a call right now.
func (f *TranscriberFallback) Healthy() bool { return f.group.Healthy() }

// Status reports the breaker state of every backend.
func (f *TranscriberFallback) Status() []EntryStatus { return f.group.Status() }
