//go:build !noopus
// +build !noopus

package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
	pcm      []int16
}

// NewDecoder returns a libopus-backed Decoder producing interleaved PCM16LE
// at the given rate and channel count.
func NewDecoder(sampleRate, channels int) (Decoder, error) {
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:      dec,
		channels: channels,
		// 2880 samples per channel covers the largest (60 ms) opus frame at 48 kHz
		pcm: make([]int16, 2880*channels),
	}, nil
}

func (d *opusDecoder) Decode(frame []byte) ([]byte, error) {
	n, err := d.dec.Decode(frame, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	samples := n * d.channels
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(d.pcm[i]))
	}
	return out, nil
}
