//go:build noopus
// +build noopus

package codec

// This file provides the no-libopus stand-in for builds with the `noopus`
// build tag, for environments without cgo. The real implementation is in
// opus.go.

// NewDecoder always fails in noopus builds; main refuses to start without
// a working decoder.
func NewDecoder(sampleRate, channels int) (Decoder, error) {
	return nil, ErrDisabled
}
