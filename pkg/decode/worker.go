package decode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fictive-reality/voxstream/pkg/queue"
)

// Chunk is one fixed-size slice of decoded PCM. Exactly one chunk per stream
// has Last set, and it is the final one; it may be shorter than the
// configured chunk size, or empty.
type Chunk struct {
	Data []byte
	Last bool
}

// Worker decodes compressed fragments into PCM chunks of a fixed size.
// Producers push fragments with [Worker.Consume] and terminate the stream
// with [Worker.Finish]; the decoded chunks appear on [Worker.Output] in
// strict input order.
type Worker struct {
	dec       Decoder
	chunkSize int

	in  *queue.Queue[[]byte]
	out *queue.Queue[Chunk]

	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorker creates a [Worker] that slices the output of dec into chunks of
// chunkSize bytes.
func NewWorker(dec Decoder, chunkSize int) *Worker {
	return &Worker{
		dec:       dec,
		chunkSize: chunkSize,
		in:        queue.New[[]byte](),
		out:       queue.New[Chunk](),
		done:      make(chan struct{}),
	}
}

// Start launches the decode goroutine. Subsequent calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, w.cancel = context.WithCancel(ctx)
		go w.run(ctx)
	})
}

// Consume enqueues one compressed fragment without blocking.
func (w *Worker) Consume(fragment []byte) {
	w.in.Push(fragment)
}

// Finish marks the end of the compressed stream. The worker will emit any
// remaining PCM followed by one final chunk with Last set.
func (w *Worker) Finish() {
	w.in.Close()
}

// Output returns the queue of decoded chunks. The queue is closed after the
// final chunk has been emitted or the worker was terminated.
func (w *Worker) Output() *queue.Queue[Chunk] {
	return w.out
}

// Terminate cancels decoding mid-stream and releases the decoder. It is safe
// to call at any point, including after normal completion.
func (w *Worker) Terminate() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.in.Close()
	})
	if w.cancel == nil {
		// Never started; there is no goroutine to wait for.
		return
	}
	<-w.done
}

// run is the decode loop. It owns the decoder and the output queue.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.out.Close()
	defer func() {
		if err := w.dec.Close(); err != nil {
			slog.Warn("decode worker: close decoder", "err", err)
		}
	}()

	var pending []byte
	for {
		fragment, ok, err := w.in.Pop(ctx)
		if err != nil {
			// Cancelled mid-stream; no terminal chunk is emitted.
			return
		}
		if !ok {
			break
		}
		pcm, err := w.dec.DecodeFragment(fragment)
		if err != nil {
			slog.Error("decode worker: decode fragment", "err", err)
			return
		}
		pending = append(pending, pcm...)
		if pending, ok = w.emitFull(pending); !ok {
			return
		}
	}

	// Sentinel observed: flush the decoder and emit the terminal chunk.
	rest, err := w.dec.Flush()
	if err != nil {
		slog.Error("decode worker: flush", "err", err)
		return
	}
	pending = append(pending, rest...)
	var ok bool
	if pending, ok = w.emitFull(pending); !ok {
		return
	}
	w.out.Push(Chunk{Data: pending, Last: true})
}

// emitFull pushes complete chunks out of pending and returns the remainder.
// ok is false when the output queue rejected a push (worker terminated).
func (w *Worker) emitFull(pending []byte) (rest []byte, ok bool) {
	for len(pending) >= w.chunkSize {
		chunk := make([]byte, w.chunkSize)
		copy(chunk, pending[:w.chunkSize])
		pending = pending[w.chunkSize:]
		if !w.out.Push(Chunk{Data: chunk}) {
			return nil, false
		}
	}
	return pending, true
}

// String implements fmt.Stringer for log readability.
func (w *Worker) String() string {
	return fmt.Sprintf("decode.Worker(chunk=%d, queued=%d)", w.chunkSize, w.in.Len())
}
