// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription engine (a whisper.cpp server,
// the whisper.cpp bindings, the OpenAI audio API, Deepgram's pre-recorded
// API) and exposes a uniform request/response interface. The endpointing
// layer decides where an utterance starts and ends; a provider only ever sees
// complete utterances.
//
// Implementations must be safe for concurrent use. Multiple connections may
// transcribe utterances simultaneously.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrEmptyAudio is returned by Transcribe when the request carries no PCM.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is raw little-endian 16-bit PCM in Format. Providers resample
	// and downmix as their backend requires.
	Audio []byte

	// Format describes Audio.
	Format audio.Format

	// Language is the BCP-47 language tag for recognition (e.g., "en", "de").
	// An empty string selects the provider default.
	Language string

	// Keywords is a list of vocabulary hints. Providers without keyword
	// support fold them into a prompt or ignore them.
	Keywords []KeywordBoost
}

// Validate reports whether r can be transcribed.
func (r Request) Validate() error {
	if len(r.Audio) == 0 {
		return ErrEmptyAudio
	}
	return r.Format.Validate()
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the transcript of the utterance in req. An utterance
	// that contains no recognizable words yields a Transcript with empty Text
	// and a nil error.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}
