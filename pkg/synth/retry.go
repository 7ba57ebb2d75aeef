package synth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Defaults for [RetryPolicy] fields left zero.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMultiplier  = 1.8
)

// ProviderError reports a failed provider request. It carries the utterance
// text and the attempt count so callers can substitute fallback speech for
// exactly the text that failed.
type ProviderError struct {
	// Provider names the backend, e.g. "eleven_labs".
	Provider string

	// Text is the utterance text of the failed request.
	Text string

	// Attempts is how many requests were made before giving up.
	Attempts int

	// Status is the HTTP status of the final response, or zero for
	// transport-level failures.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("synth: provider %s failed after %d attempt(s) for %q", e.Provider, e.Attempts, e.Text)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err warrants a retry: provider rate limiting
// (HTTP 429) or a request timeout. Everything else is a hard failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Status == http.StatusTooManyRequests {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RetryPolicy is a bounded retry-with-backoff policy: up to MaxAttempts
// calls, sleeping BaseDelay before the second and multiplying the delay by
// Multiplier before each further attempt. Only errors matching Retryable are
// retried. The zero value retries transient provider errors three times
// starting at 0.5s with a 1.8 multiplier.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Retryable   func(error) bool
}

// WithDefaults returns a copy of p with zero fields replaced by defaults.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Do calls op until it succeeds, fails non-transiently, the attempt budget is
// spent, or ctx is cancelled during backoff. It returns the number of
// attempts made and the final error. No delay is inserted after the final
// failure.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	p = p.WithDefaults()

	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || !p.Retryable(err) {
			return attempt, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
}
