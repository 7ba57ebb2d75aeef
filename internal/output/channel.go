// Package output delivers serialized messages from concurrent producers to
// one duplex transport in strict FIFO order.
//
// The queue is unbounded by design: producers never block and audio frames
// are never dropped or reordered mid-utterance, so backpressure is absorbed
// in memory rather than pushed upstream.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/fictive-reality/voxstream/pkg/queue"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
)

// item is one queued message plus its optional completion span, ended after
// a successful write.
type item struct {
	payload []byte
	span    trace.Span
}

// Channel is the per-session ordered delivery queue. Producers enqueue
// without blocking via the Consume methods; one consumer goroutine drains to
// the transport while the channel is active and the transport is connected.
type Channel struct {
	transport Transport
	items     *queue.Queue[item]
	active    atomic.Bool

	startOnce sync.Once
	termOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	procErr error
}

// NewChannel creates a [Channel] over transport. Call [Channel.Start] before
// producing.
func NewChannel(transport Transport) *Channel {
	return &Channel{
		transport: transport,
		items:     queue.New[item](),
		done:      make(chan struct{}),
	}
}

// Start marks the channel active and launches the consumer. Subsequent calls
// are no-ops.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.active.Store(true)
		go c.process(ctx)
	})
}

// process drains the queue strictly FIFO. Items arriving while the channel
// is inactive or the transport is disconnected are discarded, never written
// out of order later. Every dequeued item has its completion span ended,
// written or not.
func (c *Channel) process(ctx context.Context) {
	defer close(c.done)
	for {
		it, ok, err := c.items.Pop(ctx)
		if err != nil || !ok {
			return
		}
		if !c.active.Load() || !c.transport.Connected() {
			endItemSpan(it)
			continue
		}
		if err := c.transport.Send(ctx, it.payload); err != nil {
			endItemSpan(it)
			if ctx.Err() == nil {
				slog.Warn("output channel write failed", "err", err)
				c.mu.Lock()
				c.procErr = err
				c.mu.Unlock()
			}
			return
		}
		endItemSpan(it)
	}
}

// endItemSpan ends an item's completion span, if it carries one.
func endItemSpan(it item) {
	if it.span != nil {
		it.span.End()
	}
}

// ConsumeAudio enqueues one audio chunk with its viseme events. span, when
// non-nil, is ended after the message is written to the transport, or when
// the item is discarded. No-op on an inactive channel.
func (c *Channel) ConsumeAudio(chunk []byte, events []lipsync.VisemeEvent, span trace.Span) {
	if !c.active.Load() {
		return
	}
	c.push(NewAudioMessage(chunk, events), span)
}

// ConsumeTranscript enqueues one transcript event. No-op on an inactive
// channel.
func (c *Channel) ConsumeTranscript(event TranscriptEvent) {
	if !c.active.Load() {
		return
	}
	c.push(NewTranscriptMessage(event), nil)
}

func (c *Channel) push(message any, span trace.Span) {
	payload, err := json.Marshal(message)
	if err != nil {
		slog.Error("dropping unserializable output message", "err", err)
		return
	}
	c.items.Push(item{payload: payload, span: span})
}

// MarkClosed stops accepting and writing messages without cancelling the
// consumer. Used when the peer goes away but teardown is driven elsewhere.
func (c *Channel) MarkClosed() {
	c.active.Store(false)
}

// Terminate marks the channel inactive, cancels the consumer and awaits its
// exit. The consumer's cancellation is swallowed; a transport failure that
// stopped the consumer earlier is returned.
func (c *Channel) Terminate() error {
	c.termOnce.Do(func() {
		c.active.Store(false)
		// Burn the start token so a terminated channel never launches a
		// consumer afterwards.
		c.startOnce.Do(func() {})
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.procErr != nil && !errors.Is(c.procErr, context.Canceled) {
		return c.procErr
	}
	return nil
}
