package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// applies immediately, the rest takes effect for sessions opened after the
// reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SynthesisChanged is true when any synthesis tuning field changed.
	SynthesisChanged bool

	// ProvidersChanged is true when a provider entry was added, removed, or
	// modified. Existing sessions keep their synthesizers.
	ProvidersChanged bool

	// BreakerChanged is true when the circuit breaker tuning changed.
	BreakerChanged bool
}

// Any reports whether the diff carries at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.SynthesisChanged || d.ProvidersChanged || d.BreakerChanged
}

// Diff compares old and new configs and returns what changed.
// Server listen address and TLS changes are deliberately ignored; they
// require a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Synthesis != new.Synthesis {
		d.SynthesisChanged = true
	}

	if providersChanged(old.Providers, new.Providers) {
		d.ProvidersChanged = true
	}

	if old.Breaker != new.Breaker {
		d.BreakerChanged = true
	}

	return d
}

func providersChanged(old, new ProvidersConfig) bool {
	if !entryEqual(old.Primary, new.Primary) {
		return true
	}
	switch {
	case old.Fallback == nil && new.Fallback == nil:
		return false
	case old.Fallback == nil || new.Fallback == nil:
		return true
	}
	return !entryEqual(*old.Fallback, *new.Fallback)
}

// entryEqual compares two provider entries. Options values are scalars per
// the schema, so direct comparison is safe.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Voice != b.Voice {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if bv, ok := b.Options[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
