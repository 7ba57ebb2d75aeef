package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header this package
// reads and writes. Only mono 16-bit PCM containers are supported.
const WAVHeaderSize = 44

// ErrNotWAV is returned by [ParseWAV] when the input does not start with a
// RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE container")

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// BuildWAVHeader returns the canonical 44-byte header for a mono 16-bit PCM
// stream of dataSize bytes at the given sample rate. All multi-byte fields
// are little-endian.
func BuildWAVHeader(sampleRate, dataSize int) []byte {
	h := make([]byte, WAVHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+dataSize))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(h[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(h[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(h[34:36], 16)                   // bits per sample
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataSize))
	return h
}

// EncodeWAV prepends a 44-byte header to raw mono 16-bit PCM.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, BuildWAVHeader(sampleRate, len(pcm))...)
	return append(out, pcm...)
}

// WAVInfo holds the fields of a parsed canonical WAV header.
type WAVInfo struct {
	SampleRate int
	Channels   int
	DataSize   int
}

// ParseWAV reads the fixed-offset fields of a canonical 44-byte WAV header
// and returns the header info plus the PCM payload. Returns [ErrNotWAV] when
// the magic bytes are missing, or an error when the container is truncated.
func ParseWAV(data []byte) (WAVInfo, []byte, error) {
	if !IsWAV(data) {
		return WAVInfo{}, nil, ErrNotWAV
	}
	if len(data) < WAVHeaderSize {
		return WAVInfo{}, nil, fmt.Errorf("audio: truncated WAV header: %d bytes", len(data))
	}
	info := WAVInfo{
		SampleRate: int(binary.LittleEndian.Uint32(data[24:28])),
		Channels:   int(binary.LittleEndian.Uint16(data[22:24])),
		DataSize:   int(binary.LittleEndian.Uint32(data[40:44])),
	}
	payload := data[WAVHeaderSize:]
	if info.DataSize > len(payload) {
		return info, payload, fmt.Errorf("audio: WAV data_size %d exceeds payload %d", info.DataSize, len(payload))
	}
	return info, payload[:info.DataSize], nil
}

// StripWAVHeader removes a leading RIFF/WAVE header if one is present,
// returning the bare PCM. Non-WAV input is returned unchanged.
func StripWAVHeader(data []byte) []byte {
	if IsWAV(data) && len(data) >= WAVHeaderSize {
		return data[WAVHeaderSize:]
	}
	return data
}
