// Package retry turns the configured backoff settings into
// github.com/cenkalti/backoff policies.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/applianced/internal/config"
)

// Policy bounds how often and how long a failing read is repeated.
type Policy struct {
	Mode       config.RetryBackoffMode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // retries after the first attempt
}

// DefaultPolicy is five fixed retries, 500ms apart.
func DefaultPolicy() Policy {
	return Fixed(500*time.Millisecond, 5)
}

// Fixed retries maxRetries times at a constant interval.
func Fixed(interval time.Duration, maxRetries int) Policy {
	return Policy{Mode: config.RetryBackoffFixed, Initial: interval, Max: interval, MaxRetries: maxRetries}
}

// NewPolicy builds a policy from configuration. Non-positive durations,
// negative retries and unknown modes keep the DefaultPolicy value; initial
// is clamped to max.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if m := config.NormalizeRetryBackoff(string(mode)); m != "" {
		p.Mode = m
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	p.Initial = min(p.Initial, p.Max)
	return p
}

// Delay is the wait before retry n (1-based). It returns 0 for n <= 0.
func (p Policy) Delay(n int) time.Duration {
	var d time.Duration
	switch {
	case n <= 0:
		return 0
	case p.Mode == config.RetryBackoffFixed:
		d = p.Initial
	case p.Mode == config.RetryBackoffExponential:
		d = p.Initial
		for i := 1; i < n && d < p.Max; i++ {
			d *= 2
		}
	default:
		d = p.Initial * time.Duration(n)
	}
	return min(d, p.Max)
}

// BackOff returns a backoff.BackOff that yields Delay(1..MaxRetries) and then
// backoff.Stop, or Stop as soon as ctx is done.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	if ctx == nil {
		ctx = context.Background()
	}
	var b backoff.BackOff = &sequence{policy: p}
	if p.Mode == config.RetryBackoffFixed {
		b = backoff.NewConstantBackOff(p.Initial)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.MaxRetries, 0))), ctx)
}

// sequence walks Policy.Delay; the exponential form stays deterministic.
type sequence struct {
	policy Policy
	n      int
}

func (s *sequence) NextBackOff() time.Duration {
	s.n++
	return s.policy.Delay(s.n)
}

func (s *sequence) Reset() { s.n = 0 }
