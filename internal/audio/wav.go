package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the byte length of the canonical RIFF/WAVE header produced by
// Encode: RIFF descriptor, "fmt " sub-chunk (PCM, 16 bytes) and the "data"
// sub-chunk descriptor.
const HeaderSize = 44

// Header is the decoded form of the 44-byte RIFF/WAVE header. Field order and
// widths match the wire layout so it can be read back with binary.Read.
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // payload bytes
}

// Encode wraps raw little-endian PCM bytes in a RIFF/WAVE header and returns
// the concatenated file bytes (header + data). sampleRate in Hz; bitsPerSample
// is commonly 16.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeHeader reads back the header of an encoded file and validates the
// chunk markers and PCM format fields.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("wav data too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read wav header: %w", err)
	}
	if string(h.ChunkID[:]) != "RIFF" {
		return h, fmt.Errorf("invalid wav: missing RIFF marker")
	}
	if string(h.Format[:]) != "WAVE" {
		return h, fmt.Errorf("invalid wav: missing WAVE marker")
	}
	if string(h.Subchunk1ID[:]) != "fmt " {
		return h, fmt.Errorf("invalid wav: missing fmt chunk")
	}
	if string(h.Subchunk2ID[:]) != "data" {
		return h, fmt.Errorf("invalid wav: missing data chunk")
	}
	if h.AudioFormat != 1 {
		return h, fmt.Errorf("unsupported audio format %d: only PCM is supported", h.AudioFormat)
	}
	return h, nil
}

// Duration returns the playback duration in milliseconds of a raw PCM byte
// buffer with the given format, without rounding.
func Duration(pcmLen, sampleRate, channels, bitsPerSample int) float64 {
	if sampleRate <= 0 || channels <= 0 || bitsPerSample <= 0 {
		return 0
	}
	bytesPerSecond := sampleRate * channels * bitsPerSample / 8
	return float64(pcmLen) * 1000.0 / float64(bytesPerSecond)
}
