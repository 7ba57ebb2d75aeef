package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the synthesizer provider names shipped with the
// server. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"elevenlabs", "openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Synthesis
	if cfg.Synthesis.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("synthesis.sample_rate %d must not be negative", cfg.Synthesis.SampleRate))
	}
	if enc := cfg.Synthesis.Encoding; enc != "" && !enc.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.encoding %q is invalid; valid values: linear16, mulaw", enc))
	}
	if cfg.Synthesis.ChunkSeconds < 0 {
		errs = append(errs, fmt.Errorf("synthesis.chunk_seconds %.2f must not be negative", cfg.Synthesis.ChunkSeconds))
	}
	if cfg.Synthesis.WordsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("synthesis.words_per_minute %d must not be negative", cfg.Synthesis.WordsPerMinute))
	}

	// Providers
	validateProviderEntry("providers.primary", cfg.Providers.Primary, &errs)
	if cfg.Providers.Fallback != nil {
		validateProviderEntry("providers.fallback", *cfg.Providers.Fallback, &errs)
		if cfg.Providers.Fallback.Name == cfg.Providers.Primary.Name {
			slog.Warn("fallback provider is the same as the primary; failover will hit the same backend",
				"name", cfg.Providers.Primary.Name)
		}
	}
	if cfg.Synthesis.Streaming && cfg.Providers.Primary.Name == "openai" {
		slog.Warn("synthesis.streaming has no effect for the openai provider; responses are buffered")
	}

	// Lipsync
	if cfg.Lipsync.Enabled() {
		if cfg.Lipsync.BufferMs < 0 {
			errs = append(errs, fmt.Errorf("lipsync.buffer_ms %d must not be negative", cfg.Lipsync.BufferMs))
		}
		if cfg.Lipsync.FrameTimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("lipsync.frame_timeout_ms %d must not be negative", cfg.Lipsync.FrameTimeoutMs))
		}
		if cfg.Lipsync.MaxRestarts < 0 {
			errs = append(errs, fmt.Errorf("lipsync.max_restarts %d must not be negative", cfg.Lipsync.MaxRestarts))
		}
		if cfg.Lipsync.ArrayMode && cfg.Lipsync.SmoothWindow < 0 {
			errs = append(errs, fmt.Errorf("lipsync.smooth_window %d must not be negative", cfg.Lipsync.SmoothWindow))
		}
	} else if cfg.Lipsync.ArrayMode || cfg.Lipsync.BufferMs != 0 {
		slog.Warn("lipsync settings are present but lipsync.command is empty; lip sync stays disabled")
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	if cfg.Breaker.ResetTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("breaker.reset_timeout_ms %d must not be negative", cfg.Breaker.ResetTimeoutMs))
	}

	return errors.Join(errs...)
}

// validateProviderEntry applies the checks common to primary and fallback
// provider blocks.
func validateProviderEntry(prefix string, entry ProviderEntry, errs *[]error) {
	if entry.Name == "" {
		*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
		return
	}
	if !slices.Contains(ValidProviderNames, entry.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"entry", prefix,
			"name", entry.Name,
			"known", ValidProviderNames,
		)
	}
	if entry.APIKey == "" && entry.Name != "mock" {
		slog.Warn("provider has no api_key configured; synthesis requests will be rejected",
			"entry", prefix,
			"name", entry.Name,
		)
	}
}
