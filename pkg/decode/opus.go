package decode

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/fictive-reality/voxstream/pkg/audio"
)

// maxOpusFrameMs is the largest frame duration an Opus packet may carry.
const maxOpusFrameMs = 60

// opusDecoder is a [Decoder] for packet-framed Opus streams, where each
// fragment is exactly one Opus packet (as delivered per transport message).
// Decoder state carries across packets, so one instance serves one stream.
type opusDecoder struct {
	dec        *gopus.Decoder
	channels   int
	frameLimit int
}

// NewOpus creates an Opus packet decoder producing mono PCM at sampleRate.
// Stereo streams are down-mixed after decoding.
func NewOpus(sampleRate, channels int) (Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("decode: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:        dec,
		channels:   channels,
		frameLimit: sampleRate * maxOpusFrameMs / 1000,
	}, nil
}

func (d *opusDecoder) DecodeFragment(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	pcm, err := d.dec.Decode(packet, d.frameLimit, false)
	if err != nil {
		return nil, fmt.Errorf("decode: opus packet: %w", err)
	}
	b := audio.Int16sToBytes(pcm)
	if d.channels == 2 {
		b = audio.StereoToMono(b)
	}
	return b, nil
}

func (d *opusDecoder) Flush() ([]byte, error) { return nil, nil }

func (d *opusDecoder) Close() error { return nil }
