package decode

import (
	"context"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/fictive-reality/voxstream/pkg/queue"
	"github.com/fictive-reality/voxstream/pkg/audio"
)

// mp3Decoder adapts the pull-based go-mp3 decoder to the push-based
// [Decoder] contract. Fragments are fed through an in-process pipe to a
// decode goroutine; decoded PCM accumulates on an unbounded queue so the
// goroutine never blocks on output.
type mp3Decoder struct {
	targetRate int

	pw   *io.PipeWriter
	pcm  *queue.Queue[[]byte]
	done chan struct{}

	// decodeErr is written by the decode goroutine before done is closed and
	// must only be read after <-done.
	decodeErr error
}

// NewMP3 returns a [Decoder] for an MP3 byte stream. The decoded audio is
// down-mixed to mono and resampled to targetRate.
func NewMP3(targetRate int) Decoder {
	pr, pw := io.Pipe()
	d := &mp3Decoder{
		targetRate: targetRate,
		pw:         pw,
		pcm:        queue.New[[]byte](),
		done:       make(chan struct{}),
	}
	go d.run(pr)
	return d
}

// run owns the go-mp3 decoder. It terminates when the input pipe is closed
// (normal flush), the pipe is broken (abort), or the stream is malformed.
func (d *mp3Decoder) run(pr *io.PipeReader) {
	defer close(d.done)
	defer d.pcm.Close()
	defer pr.Close()

	dec, err := mp3.NewDecoder(pr)
	if err != nil {
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			d.decodeErr = fmt.Errorf("decode: open mp3 stream: %w", err)
		}
		return
	}

	// go-mp3 always emits 16-bit little-endian stereo at the source rate.
	buf := make([]byte, 16*1024)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			mono := audio.StereoToMono(buf[:n])
			mono = audio.ResampleMono16(mono, dec.SampleRate(), d.targetRate)
			out := make([]byte, len(mono))
			copy(out, mono)
			d.pcm.Push(out)
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			d.decodeErr = fmt.Errorf("decode: read mp3 stream: %w", err)
			return
		}
	}
}

func (d *mp3Decoder) DecodeFragment(fragment []byte) ([]byte, error) {
	if _, err := d.pw.Write(fragment); err != nil {
		<-d.done
		if d.decodeErr != nil {
			return nil, d.decodeErr
		}
		return nil, fmt.Errorf("decode: write mp3 fragment: %w", err)
	}
	return d.available(), nil
}

func (d *mp3Decoder) Flush() ([]byte, error) {
	d.pw.Close()
	<-d.done
	return d.available(), d.decodeErr
}

func (d *mp3Decoder) Close() error {
	d.pw.CloseWithError(io.ErrClosedPipe)
	<-d.done
	return nil
}

// available drains the PCM produced so far without blocking. Only the
// owning worker calls this, so Len is an accurate lower bound.
func (d *mp3Decoder) available() []byte {
	var out []byte
	for d.pcm.Len() > 0 {
		b, ok, _ := d.pcm.Pop(context.Background())
		if !ok {
			break
		}
		out = append(out, b...)
	}
	return out
}
