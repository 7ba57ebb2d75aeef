// Package decode turns a stream of compressed audio fragments into a stream
// of fixed-size mono 16-bit PCM chunks. The [Worker] runs as its own
// goroutine, decoupled from producers and consumers by unbounded queues, so
// network I/O and decoding never block each other.
package decode

// Decoder decodes one compressed audio stream into mono 16-bit little-endian
// PCM. Implementations are push-driven: fragments arrive in network order and
// may split codec frames arbitrarily, so a call may return less or more PCM
// than the fragment it was handed.
//
// A Decoder is owned by a single [Worker] and is not safe for concurrent use.
type Decoder interface {
	// DecodeFragment feeds one compressed fragment and returns any PCM that
	// became available.
	DecodeFragment(fragment []byte) ([]byte, error)

	// Flush signals end of input and returns the remaining buffered PCM.
	Flush() ([]byte, error)

	// Close releases decoder resources. Safe to call after Flush or to abort
	// mid-stream.
	Close() error
}

// pcmPassthrough is a [Decoder] for providers that already deliver raw
// little-endian PCM. Fragments pass through unchanged.
type pcmPassthrough struct{}

// NewPCMPassthrough returns a [Decoder] that performs no decoding.
func NewPCMPassthrough() Decoder { return pcmPassthrough{} }

func (pcmPassthrough) DecodeFragment(fragment []byte) ([]byte, error) { return fragment, nil }
func (pcmPassthrough) Flush() ([]byte, error)                         { return nil, nil }
func (pcmPassthrough) Close() error                                   { return nil }
