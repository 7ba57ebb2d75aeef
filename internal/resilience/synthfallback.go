package resilience

import (
	"context"
	"errors"

	"github.com/fictive-reality/voxstream/pkg/synth"
)

// SynthFallback implements [synth.Synthesizer] with automatic failover across
// multiple TTS backends, each behind its own breaker. Only CreateSpeech is
// covered by failover: a request failing on the primary (after the provider's
// own retry policy is spent) is re-synthesized on the next healthy backend,
// so the caller still gets speech instead of silence. Mid-stream failures
// after a successful start are the consumer's to handle.
type SynthFallback struct {
	group *Group[synth.Synthesizer]
}

// Compile-time interface assertion.
var _ synth.Synthesizer = (*SynthFallback)(nil)

// NewSynthFallback creates a [SynthFallback] with primary as the preferred
// backend.
func NewSynthFallback(primary synth.Synthesizer, name string, cfg GroupConfig) *SynthFallback {
	return &SynthFallback{group: NewGroup(primary, name, cfg)}
}

// AddFallback registers an additional backend, tried after all earlier ones.
func (f *SynthFallback) AddFallback(name string, s synth.Synthesizer) {
	f.group.Add(name, s)
}

// CreateSpeech synthesizes the utterance on the first healthy backend.
func (f *SynthFallback) CreateSpeech(ctx context.Context, utterance synth.Utterance, chunkSize int) (*synth.SynthesisResult, error) {
	return Try(f.group, func(s synth.Synthesizer) (*synth.SynthesisResult, error) {
		return s.CreateSpeech(ctx, utterance, chunkSize)
	})
}

// Config returns the primary backend's configuration. Fallback backends are
// expected to be configured compatibly (same rate and encoding), since the
// consumer cannot tell which backend produced a chunk.
func (f *SynthFallback) Config() synth.Config {
	return f.group.Primary().Config()
}

// Close closes every registered backend and joins their errors.
func (f *SynthFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, s synth.Synthesizer) {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
