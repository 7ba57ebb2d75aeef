package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fictive-reality/voxstream/pkg/lipsync"
	"github.com/fictive-reality/voxstream/pkg/synth"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SynthesizerFactory builds a synthesizer from its config entry and the
// session-wide synthesis settings.
type SynthesizerFactory func(entry ProviderEntry, cfg synth.Config) (synth.Synthesizer, error)

// Registry maps provider names to synthesizer constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]SynthesizerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]SynthesizerFactory)}
}

// Register registers a synthesizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory SynthesizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a synthesizer using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(entry ProviderEntry, cfg synth.Config) (synth.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, cfg)
}

// SynthConfig translates the YAML synthesis block into a [synth.Config].
// Zero-valued fields keep the synth package defaults.
func (s SynthesisConfig) SynthConfig() synth.Config {
	return synth.Config{
		SampleRate:        s.SampleRate,
		Encoding:          s.Encoding,
		ShouldEncodeAsWAV: s.EncodeAsWAV,
		Streaming:         s.Streaming,
		WordsPerMinute:    s.WordsPerMinute,
	}.WithDefaults()
}

// SessionConfig translates the YAML lipsync block into a coprocess session
// config at the given sample rate.
func (l LipsyncConfig) SessionConfig(sampleRate int) lipsync.Config {
	return lipsync.Config{
		Command:      l.Command,
		SampleRate:   sampleRate,
		BufferMs:     l.BufferMs,
		FrameTimeout: time.Duration(l.FrameTimeoutMs) * time.Millisecond,
		ArrayMode:    l.ArrayMode,
		SmoothWindow: l.SmoothWindow,
		MaxRestarts:  l.MaxRestarts,
	}
}
