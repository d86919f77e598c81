package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// maxOpusFrameMs is the longest duration a single Opus packet may carry.
const maxOpusFrameMs = 120

// opusDecoder wraps a gopus decoder for a single stream. Opus decoding is
// stateful across consecutive packets.
type opusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
}

func newOpusDecoder(sampleRate, channels int) (*opusDecoder, error) {
	switch sampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return nil, fmt.Errorf("codec: opus does not support %d Hz", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("codec: opus does not support %d channels", channels)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, maxFrame: sampleRate * maxOpusFrameMs / 1000}, nil
}

// Decode decodes an Opus packet into interleaved PCM.
func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
