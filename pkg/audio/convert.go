package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Normalize converts 16-bit PCM from one format into another. Conversion
// order is downmix, resample, upmix, which keeps the resampler working on
// the fewest channels. When from equals to, pcm is returned unchanged.
func Normalize(pcm []byte, from, to Format) ([]byte, error) {
	if from.BytesPerSample != 2 || to.BytesPerSample != 2 {
		return nil, fmt.Errorf("audio: normalize %s -> %s: only 16-bit PCM is supported", from, to)
	}
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := to.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%(from.Channels*2) != 0 {
		return nil, fmt.Errorf("audio: normalize: %d bytes is not a whole number of %d-channel samples", len(pcm), from.Channels)
	}
	if from == to {
		return pcm, nil
	}

	channels := from.Channels
	if to.Channels < channels {
		pcm = Downmix(pcm, channels)
		channels = 1
	}
	pcm = Resample16(pcm, channels, from.SampleRate, to.SampleRate)
	if to.Channels > channels {
		pcm = Upmix(pcm, to.Channels)
	}
	return pcm, nil
}

// Downmix averages every interleaved multi-channel sample into one mono
// sample. Averaging uses int32 arithmetic so it cannot overflow. A trailing
// partial sample is dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	n := len(pcm) / stride
	out := make([]byte, n*2)
	for i := range n {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// Upmix duplicates each mono sample into channels identical samples.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*channels*2)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for ch := range channels {
			j := (i*channels + ch) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates or an
// equal rate return pcm unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * 2)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// Float32Mono converts 16-bit PCM with the given channel count to mono
// float32 samples in [-1.0, 1.0].
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	n := len(pcm) / (channels * 2)
	out := make([]float32, n)
	for i := range n {
		var sum float32
		for ch := range channels {
			sum += float32(sampleAt(pcm, i*channels+ch)) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// RMS returns the root-mean-square level of 16-bit PCM in sample units
// (0 to 32767). It returns 0 for input shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Int16sToBytes encodes samples as little-endian bytes.
func Int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, s)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
