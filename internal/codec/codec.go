package codec

import "errors"

// Decoder turns one compressed frame into interleaved little-endian PCM16
// bytes. A Decoder carries per-stream state and is not safe for concurrent
// use; create one per stream via a Factory.
type Decoder interface {
	Decode(frame []byte) ([]byte, error)
}

// Factory builds a fresh Decoder for one stream.
type Factory func(sampleRate, channels int) (Decoder, error)

// ErrDisabled is returned by NewDecoder in noopus builds.
var ErrDisabled = errors.New("opus support disabled (built with -tags noopus)")
