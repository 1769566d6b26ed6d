// Package delivery tracks envelopes that require acknowledgment and
// retransmits them until they are acknowledged or the retry budget runs out.
package delivery

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Common errors.
var (
	ErrClosed     = errors.New("tracker closed")
	ErrNotTracked = errors.New("envelope does not require acknowledgment")
)

// Status is the state of a delivery record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAcked     Status = "acked"
	StatusAbandoned Status = "abandoned"
)

// Record is the tracking state of one envelope.
type Record struct {
	EnvelopeID  string    `json:"envelope_id"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	MaxAttempts int       `json:"max_attempts"`
	Status      Status    `json:"status"`
}

// Backoff is an exponential retry schedule with jitter.
//
// The wait after attempt n (1-based) is Initial * Multiplier^(n-1), capped at
// Max, then scaled by a random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
}

// Delay returns the wait after attempt n. r is a uniform sample in [0,1).
func (b Backoff) Delay(n int, r float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 - b.Jitter + 2*b.Jitter*r
	}
	if d < 1 {
		d = 1
	}
	return time.Duration(d)
}

// Config configures a Tracker.
type Config struct {
	Backoff Backoff

	// MaxAttempts is the total number of transmissions, including the first.
	MaxAttempts int
}

// DefaultConfig returns the default retry schedule: 500ms doubling up to
// 10s with 20% jitter, five attempts. The last attempt is abandoned after
// roughly 15s without an ack.
func DefaultConfig() Config {
	return Config{
		Backoff: Backoff{
			Initial:    500 * time.Millisecond,
			Multiplier: 2,
			Max:        10 * time.Second,
			Jitter:     0.2,
		},
		MaxAttempts: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Backoff.Initial <= 0 {
		return fmt.Errorf("initial backoff must be positive")
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", c.Backoff.Multiplier)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0,1), got %v", c.Backoff.Jitter)
	}
	return nil
}
