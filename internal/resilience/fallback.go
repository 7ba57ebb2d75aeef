package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] fails or is
// breaker-rejected.
var ErrAllFailed = errors.New("resilience: all providers failed")

// GroupConfig configures the per-entry breaker of a [Group].
type GroupConfig struct {
	Breaker BreakerConfig
}

// entry pairs a provider value with its dedicated breaker.
type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group composes a primary and zero or more fallback instances of the same
// provider type. Entries are tried in registration order; an entry whose
// breaker is open is skipped without a call.
type Group[T any] struct {
	entries []entry[T]
	cfg     GroupConfig
}

// NewGroup creates a [Group] with primary as the first entry.
func NewGroup[T any](primary T, name string, cfg GroupConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// Add registers a fallback provider, tried after all earlier entries.
func (g *Group[T]) Add(name string, fallback T) {
	g.add(name, fallback)
}

func (g *Group[T]) add(name string, value T) {
	bcfg := g.cfg.Breaker
	bcfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: value, breaker: NewBreaker(bcfg)})
}

// Primary returns the first registered provider.
func (g *Group[T]) Primary() T {
	return g.entries[0].value
}

// Each calls fn for every registered provider, in order.
func (g *Group[T]) Each(fn func(name string, value T)) {
	for _, e := range g.entries {
		fn(e.name, e.value)
	}
}

// Try runs fn against each healthy entry in order until one succeeds. It is
// a package-level function because Go does not support method-level type
// parameters. Returns [ErrAllFailed] wrapped around the last error when
// every entry fails.
func Try[T any, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
