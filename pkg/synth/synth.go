// Package synth defines the Synthesizer interface for text-to-speech backends
// and the SynthesisResult handle delivered for each utterance.
//
// A synthesizer turns one [Utterance] into a lazy sequence of timed audio
// chunks plus two queries: a cutoff predictor estimating how much of the text
// was heard after N seconds (for interruption handling), and a viseme-window
// query over the lip-sync timeline accumulated during streaming synthesis.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (e.g., several conversations at once), but each
// [SynthesisResult] is single-pass and owned by one consumer.
package synth

import (
	"context"
	"fmt"
	"sync"

	"github.com/fictive-reality/voxstream/pkg/audio"
	"github.com/fictive-reality/voxstream/pkg/lipsync"
)

// DefaultWordsPerMinute is the speaking rate assumed by the cutoff predictor
// when the configuration does not set one.
const DefaultWordsPerMinute = 150

// Utterance is one unit of text to be spoken. Produced externally, consumed
// exactly once.
type Utterance struct {
	// Text is the full text to synthesize.
	Text string

	// Sentiment optionally hints the emotional coloring of delivery.
	// Providers that cannot express it ignore it.
	Sentiment string

	// Locale optionally names the BCP 47 language tag of Text.
	Locale string
}

// ChunkResult is one slice of synthesized audio. All chunks of an utterance
// have the same size except possibly the final one; exactly one chunk has
// IsLast set and it is terminal.
type ChunkResult struct {
	Chunk  []byte
	IsLast bool
}

// Config holds the provider-independent synthesis parameters.
type Config struct {
	// SampleRate of the produced PCM audio, in Hz.
	SampleRate int

	// Encoding of the produced audio. Defaults to [audio.EncodingLinear16].
	Encoding audio.Encoding

	// ShouldEncodeAsWAV wraps every chunk in a RIFF/WAVE header.
	ShouldEncodeAsWAV bool

	// Streaming selects the lazy chunk path on providers that support it;
	// otherwise the full response is decoded before the first chunk.
	Streaming bool

	// WordsPerMinute is the assumed speaking rate for the cutoff predictor.
	// Defaults to [DefaultWordsPerMinute].
	WordsPerMinute int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Encoding == "" {
		c.Encoding = audio.EncodingLinear16
	}
	if c.WordsPerMinute <= 0 {
		c.WordsPerMinute = DefaultWordsPerMinute
	}
	return c
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// CreateSpeech synthesizes one utterance into a [SynthesisResult] whose
	// chunks are chunkSize bytes each (except possibly the last). The result
	// is lazy on streaming providers: audio is decoded as the consumer drains
	// it, and cancelling ctx or calling [SynthesisResult.Stop] aborts
	// production without leaking the decode pipeline.
	//
	// A nil error means the provider accepted the request; failures during
	// streaming surface by closing the chunk channel early.
	CreateSpeech(ctx context.Context, utterance Utterance, chunkSize int) (*SynthesisResult, error)

	// Config returns the synthesis parameters this synthesizer was built with.
	Config() Config

	// Close releases provider resources. The synthesizer is unusable after.
	Close() error
}

// SynthesisResult owns the chunk sequence of one utterance plus its cutoff
// predictor and viseme-window query. Lifetime is the one utterance; the chunk
// sequence is single-pass and not restartable.
type SynthesisResult struct {
	chunks <-chan ChunkResult
	cutoff func(elapsedSeconds float64) string
	window func(fromS, toS float64) []lipsync.VisemeEvent

	stopOnce sync.Once
	stop     func()
}

// NewResult assembles a [SynthesisResult]. window and stop may be nil for
// finite, pre-decoded sequences.
func NewResult(
	chunks <-chan ChunkResult,
	cutoff func(elapsedSeconds float64) string,
	window func(fromS, toS float64) []lipsync.VisemeEvent,
	stop func(),
) *SynthesisResult {
	return &SynthesisResult{chunks: chunks, cutoff: cutoff, window: window, stop: stop}
}

// Chunks returns the ordered chunk sequence. The channel is closed after the
// terminal chunk, or early on failure or [SynthesisResult.Stop].
func (r *SynthesisResult) Chunks() <-chan ChunkResult { return r.chunks }

// CutoffText estimates the prefix of the utterance text spoken after
// elapsedSeconds, letting callers decide what the listener heard before an
// interruption.
func (r *SynthesisResult) CutoffText(elapsedSeconds float64) string {
	if r.cutoff == nil {
		return ""
	}
	return r.cutoff(elapsedSeconds)
}

// LipsyncWindow returns the viseme events with fromS <= offset < toS, rebased
// to fromS. Events accumulate while chunks are consumed; events detected so
// far remain queryable after cancellation.
func (r *SynthesisResult) LipsyncWindow(fromS, toS float64) []lipsync.VisemeEvent {
	if r.window == nil {
		return nil
	}
	return r.window(fromS, toS)
}

// Stop aborts chunk production and releases the decode pipeline. Idempotent;
// safe to call while another goroutine drains [SynthesisResult.Chunks].
func (r *SynthesisResult) Stop() {
	if r.stop == nil {
		return
	}
	r.stopOnce.Do(r.stop)
}

// ResultFromPCM wraps fully decoded audio in a finite, single-pass result.
// pcm must already be in cfg.Encoding at cfg.SampleRate; it is split into
// chunkSize slices with the final (possibly short) slice marked terminal.
func ResultFromPCM(pcm []byte, cfg Config, text string, chunkSize int) (*SynthesisResult, error) {
	cfg = cfg.WithDefaults()
	if chunkSize <= 0 {
		return nil, fmt.Errorf("synth: chunk size must be positive, got %d", chunkSize)
	}

	var parts [][]byte
	for off := 0; off < len(pcm); off += chunkSize {
		end := min(off+chunkSize, len(pcm))
		parts = append(parts, pcm[off:end])
	}
	if len(parts) == 0 {
		parts = append(parts, nil)
	}

	ch := make(chan ChunkResult, len(parts))
	for i, part := range parts {
		chunk := part
		if cfg.ShouldEncodeAsWAV {
			chunk = audio.EncodeWAV(chunk, cfg.SampleRate)
		}
		ch <- ChunkResult{Chunk: chunk, IsLast: i == len(parts)-1}
	}
	close(ch)

	cutoff := func(elapsedSeconds float64) string {
		return CutoffFromVoiceSpeed(text, elapsedSeconds, cfg.WordsPerMinute)
	}
	return NewResult(ch, cutoff, nil, nil), nil
}
