// Package mock provides a test double for the synth.Synthesizer interface.
//
// Use Synthesizer to feed controlled audio chunks and viseme events to
// consumers and to verify which utterances reach the backend.
//
// Example:
//
//	m := &mock.Synthesizer{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	result, _ := m.CreateSpeech(ctx, synth.Utterance{Text: "hello"}, 1024)
package mock

import (
	"context"
	"sync"

	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// CreateSpeechCall records a single invocation of CreateSpeech.
type CreateSpeechCall struct {
	// Ctx is the context passed to CreateSpeech.
	Ctx context.Context
	// Utterance is the utterance passed to CreateSpeech.
	Utterance synth.Utterance
	// ChunkSize is the chunk size passed to CreateSpeech.
	ChunkSize int
}

// Synthesizer is a mock implementation of synth.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices emitted by the result; the
	// final one carries IsLast. An empty slice yields a single empty terminal
	// chunk.
	Chunks [][]byte

	// Events is the viseme timeline served by the result's LipsyncWindow.
	Events []lipsync.VisemeEvent

	// CreateErr, if non-nil, is returned from CreateSpeech instead of a result.
	CreateErr error

	// Cfg is returned by Config.
	Cfg synth.Config

	// --- Call records ---

	// CreateSpeechCalls records every call to CreateSpeech in order.
	CreateSpeechCalls []CreateSpeechCall

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// CreateSpeech records the call and, if CreateErr is nil, returns a finite
// result emitting Chunks.
func (m *Synthesizer) CreateSpeech(ctx context.Context, utterance synth.Utterance, chunkSize int) (*synth.SynthesisResult, error) {
	m.mu.Lock()
	m.CreateSpeechCalls = append(m.CreateSpeechCalls, CreateSpeechCall{Ctx: ctx, Utterance: utterance, ChunkSize: chunkSize})
	if m.CreateErr != nil {
		err := m.CreateErr
		m.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(m.Chunks))
	copy(chunks, m.Chunks)
	events := make([]lipsync.VisemeEvent, len(m.Events))
	copy(events, m.Events)
	cfg := m.Cfg.WithDefaults()
	m.mu.Unlock()

	ch := make(chan synth.ChunkResult, len(chunks)+1)
	if len(chunks) == 0 {
		ch <- synth.ChunkResult{IsLast: true}
	}
	for i, chunk := range chunks {
		ch <- synth.ChunkResult{Chunk: chunk, IsLast: i == len(chunks)-1}
	}
	close(ch)

	cutoff := func(elapsedSeconds float64) string {
		return synth.CutoffFromVoiceSpeed(utterance.Text, elapsedSeconds, cfg.WordsPerMinute)
	}
	window := func(fromS, toS float64) []lipsync.VisemeEvent {
		return lipsync.EventsInWindow(events, fromS, toS)
	}
	return synth.NewResult(ch, cutoff, window, nil), nil
}

// Config returns Cfg.
func (m *Synthesizer) Config() synth.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cfg
}

// Close counts the call and succeeds.
func (m *Synthesizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (m *Synthesizer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateSpeechCalls = nil
	m.CloseCalls = 0
}

// Ensure Synthesizer implements synth.Synthesizer at compile time.
var _ synth.Synthesizer = (*Synthesizer)(nil)
