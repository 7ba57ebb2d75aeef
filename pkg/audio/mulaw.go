package audio

// G.711 µ-law companding constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// LinearToMuLaw compands 16-bit little-endian mono PCM into 8-bit G.711
// µ-law, one output byte per input sample. A trailing odd byte is ignored.
func LinearToMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = muLawCompand(sample)
	}
	return out
}

// muLawCompand encodes a single linear sample per G.711.
func muLawCompand(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}
