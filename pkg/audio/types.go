package audio

import "errors"

// Encoding identifies the wire encoding of an audio byte stream.
type Encoding string

const (
	// EncodingLinear16 is uncompressed 16-bit little-endian mono PCM.
	EncodingLinear16 Encoding = "linear16"

	// EncodingMuLaw is 8-bit G.711 µ-law companded audio.
	EncodingMuLaw Encoding = "mulaw"
)

// ErrUnsupportedEncoding is returned when a conversion targets an encoding
// this package does not implement.
var ErrUnsupportedEncoding = errors.New("audio: unsupported encoding")

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingLinear16 || e == EncodingMuLaw
}

// BytesPerSecond returns the number of bytes one second of audio occupies at
// the given sample rate for this encoding. Linear16 carries two bytes per
// sample, µ-law one.
func (e Encoding) BytesPerSecond(sampleRate int) int {
	switch e {
	case EncodingLinear16:
		return sampleRate * 2
	case EncodingMuLaw:
		return sampleRate
	}
	return 0
}
