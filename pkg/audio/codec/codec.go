// Package codec decodes audio payloads as they arrive on the wire into
// little-endian 16-bit PCM.
//
// One payload carries one audio frame. Decoders hold per-stream state (Opus
// in particular) and must not be shared between streams.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Encoding names a wire encoding.
type Encoding string

const (
	// PCM16 is raw little-endian signed 16-bit PCM.
	PCM16 Encoding = "pcm16"

	// MuLaw is G.711 µ-law, one byte per sample.
	MuLaw Encoding = "mulaw"

	// ALaw is G.711 A-law, one byte per sample.
	ALaw Encoding = "alaw"

	// Opus is one Opus packet per payload.
	Opus Encoding = "opus"
)

// ErrUnknownEncoding is returned by [New] for an unsupported encoding name.
var ErrUnknownEncoding = errors.New("codec: unknown encoding")

// Encodings lists every supported encoding.
func Encodings() []Encoding { return []Encoding{PCM16, MuLaw, ALaw, Opus} }

// Parse maps a configuration string to an Encoding. Matching is case
// insensitive and accepts the common aliases "ulaw", "pcmu" and "pcma".
func Parse(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pcm16", "pcm", "linear16":
		return PCM16, nil
	case "mulaw", "ulaw", "pcmu":
		return MuLaw, nil
	case "alaw", "pcma":
		return ALaw, nil
	case "opus":
		return Opus, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
}

// Decoder turns one wire payload into PCM.
type Decoder interface {
	// Decode returns the PCM for payload. The returned slice may alias
	// payload for PCM16.
	Decode(payload []byte) ([]byte, error)
}

// New returns a decoder for enc producing PCM at sampleRate with the given
// channel count. Only Opus uses sampleRate and channels; G.711 is mono by
// definition.
func New(enc Encoding, sampleRate, channels int) (Decoder, error) {
	switch enc {
	case PCM16:
		return pcm16{}, nil
	case MuLaw:
		return g711Decoder(g711.DecodeUlaw), nil
	case ALaw:
		return g711Decoder(g711.DecodeAlaw), nil
	case Opus:
		return newOpusDecoder(sampleRate, channels)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
}

type pcm16 struct{}

func (pcm16) Decode(payload []byte) ([]byte, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("codec: pcm16 payload of %d bytes is not sample aligned", len(payload))
	}
	return payload, nil
}

type g711Decoder func([]byte) []byte

func (d g711Decoder) Decode(payload []byte) ([]byte, error) {
	return d(payload), nil
}
