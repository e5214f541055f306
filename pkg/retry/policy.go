// Package retry holds the pure retry arithmetic for the delivery worker:
// exponential backoff with a cap, and the terminal-attempt predicate.
// Nothing here touches the clock or the store.
package retry

import "time"

// Policy bounds retries for a single event.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultPolicy matches the documented defaults: 1s initial delay doubling
// up to 60s, five attempts total.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  5,
	}
}

// Backoff returns the delay consumed after attempt n (1-based) before
// attempt n+1 may begin: min(initial * 2^(n-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Bit shift for the power of two, capped to avoid overflow.
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}
	delay := p.InitialDelay << exp
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// IsTerminal reports whether attempt (1-based) exhausted the budget.
func (p Policy) IsTerminal(attempt int) bool {
	return attempt >= p.MaxAttempts
}
