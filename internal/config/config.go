// Package config provides the configuration schema, loader, and synthesizer
// registry for the voxstream delivery server.
package config

import "github.com/fictive-reality/voxstream/pkg/audio"

// LogLevel controls log verbosity for the voxstream server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxstream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Providers ProvidersConfig `yaml:"providers"`
	Lipsync   LipsyncConfig   `yaml:"lipsync"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// ServerConfig holds network and logging settings for the voxstream server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SynthesisConfig shapes the audio produced for every conversation session.
type SynthesisConfig struct {
	// SampleRate is the output sample rate in Hz (e.g., 16000).
	SampleRate int `yaml:"sample_rate"`

	// Encoding selects the output byte encoding: "linear16" or "mulaw".
	Encoding audio.Encoding `yaml:"encoding"`

	// ChunkSeconds is the playback duration of one delivered audio chunk.
	ChunkSeconds float64 `yaml:"chunk_seconds"`

	// WordsPerMinute calibrates the cutoff predictor used when an utterance
	// is interrupted mid-playback. 0 means the default speaking rate.
	WordsPerMinute int `yaml:"words_per_minute"`

	// Streaming requests chunked synthesis from providers that support it.
	Streaming bool `yaml:"streaming"`

	// EncodeAsWAV wraps each delivered chunk in a WAV header.
	EncodeAsWAV bool `yaml:"encode_as_wav"`

	// CacheDir enables the on-disk utterance cache when non-empty.
	CacheDir string `yaml:"cache_dir"`
}

// ProvidersConfig declares the primary synthesizer and its optional fallback.
// Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Primary  ProviderEntry  `yaml:"primary"`
	Fallback *ProviderEntry `yaml:"fallback"`
}

// ProviderEntry is the common configuration block shared by all synthesizer
// providers. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "elevenlabs", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "eleven_turbo_v2", "tts-1").
	Model string `yaml:"model"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, or booleans.
	Options map[string]any `yaml:"options"`
}

// LipsyncConfig configures the viseme-detection coprocess. Lip sync is
// enabled when Command is non-empty.
type LipsyncConfig struct {
	// Command is the coprocess executable and its leading arguments.
	Command []string `yaml:"command"`

	// BufferMs is the analysis frame length in milliseconds.
	BufferMs int `yaml:"buffer_ms"`

	// ArrayMode switches the coprocess to per-frame activation arrays
	// instead of single viseme labels.
	ArrayMode bool `yaml:"array_mode"`

	// SmoothWindow is the moving-average window applied in array mode.
	SmoothWindow int `yaml:"smooth_window"`

	// FrameTimeoutMs bounds how long one frame exchange may take before the
	// coprocess is considered wedged and restarted.
	FrameTimeoutMs int `yaml:"frame_timeout_ms"`

	// MaxRestarts caps coprocess restarts per session.
	MaxRestarts int `yaml:"max_restarts"`
}

// Enabled reports whether a lip sync coprocess is configured.
func (l LipsyncConfig) Enabled() bool {
	return len(l.Command) > 0
}

// BreakerConfig tunes the circuit breaker guarding each synthesizer backend.
// Zero values fall back to the resilience package defaults.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutMs is how long an open breaker waits before probing.
	ResetTimeoutMs int `yaml:"reset_timeout_ms"`

	// HalfOpenProbes is the number of successful probes required to close.
	HalfOpenProbes int `yaml:"half_open_probes"`
}
