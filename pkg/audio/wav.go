package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// wavHeaderSize is the size of the canonical 44-byte PCM RIFF header.
const wavHeaderSize = 44

// ErrNotWAV is returned by [DecodeWAV] when the input is not a canonical
// PCM RIFF/WAVE file.
var ErrNotWAV = errors.New("audio: not a canonical PCM wav file")

// EncodeWAV wraps raw PCM in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	putWAVHeader(buf, len(pcm), f)
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// WriteWAV streams a WAV container holding pcm to w.
func WriteWAV(w io.Writer, pcm []byte, f Format) error {
	var hdr [wavHeaderSize]byte
	putWAVHeader(hdr[:], len(pcm), f)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	return nil
}

// DecodeWAV parses a canonical 44-byte-header PCM WAV file and returns its
// sample data and format. Extended headers are not supported.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < wavHeaderSize ||
		string(data[0:4]) != "RIFF" ||
		string(data[8:12]) != "WAVE" ||
		string(data[12:16]) != "fmt " ||
		string(data[36:40]) != "data" ||
		binary.LittleEndian.Uint16(data[20:22]) != 1 {
		return nil, Format{}, ErrNotWAV
	}
	f := Format{
		Channels:       int(binary.LittleEndian.Uint16(data[22:24])),
		SampleRate:     int(binary.LittleEndian.Uint32(data[24:28])),
		BytesPerSample: int(binary.LittleEndian.Uint16(data[34:36])) / 8,
	}
	size := int(binary.LittleEndian.Uint32(data[40:44]))
	if size > len(data)-wavHeaderSize {
		return nil, Format{}, fmt.Errorf("%w: data chunk of %d bytes is truncated", ErrNotWAV, size)
	}
	return data[wavHeaderSize : wavHeaderSize+size], f, nil
}

func putWAVHeader(buf []byte, dataSize int, f Format) {
	blockAlign := f.Channels * f.BytesPerSample

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(f.BitDepth()))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}
