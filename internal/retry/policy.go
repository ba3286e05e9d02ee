// Package retry decides whether and when an aborted transaction is retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/status"
)

// Config holds the retry parameters. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// Deadline bounds the elapsed time of one logical operation across all attempts.
	Deadline time.Duration
	// InitialBackoff is the first local delay.
	InitialBackoff time.Duration
	// Multiplier grows the local delay after each use.
	Multiplier float64
	// MaxBackoff caps the local delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Deadline:       120 * time.Second,
		InitialBackoff: time.Second,
		Multiplier:     1.3,
		MaxBackoff:     32 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Decision is the outcome of Policy.Next.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes retry delays for one logical operation.
// A Policy is not safe for concurrent use.
type Policy struct {
	cfg      Config
	backoff  *backoff.ExponentialBackOff
	attempts int
}

// NewPolicy returns a Policy starting at the initial backoff.
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = 0
	// The deadline is enforced by Next against the caller's elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()

	return &Policy{cfg: cfg, backoff: b}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config {
	return p.cfg
}

// Attempts returns how many times Next was called.
func (p *Policy) Attempts() int {
	return p.attempts
}

// Next decides whether the operation which failed with err after elapsed is retried.
// Past the deadline it always gives up. A delay suggested by the server wins,
// otherwise the local backoff is used and grown.
func (p *Policy) Next(err error, elapsed time.Duration) Decision {
	p.attempts++

	if err == nil || elapsed > p.cfg.Deadline {
		return Decision{}
	}

	if d, ok := ServerDelay(err); ok {
		return Decision{Retry: true, Delay: d}
	}

	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return Decision{}
	}
	return Decision{Retry: true, Delay: d}
}

// ServerDelay returns the retry delay the backend attached to err, if any.
// It walks the whole cause chain including joined errors.
func ServerDelay(err error) (d time.Duration, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d, ok = 0, false
		}
	}()
	return serverDelay(err)
}

func serverDelay(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var aborted *backend.AbortedError
	if errors.As(err, &aborted) && aborted.RetryDelay > 0 {
		return aborted.RetryDelay, true
	}

	if se, ok := err.(interface{ GRPCStatus() *status.Status }); ok {
		if d, ok := backend.RetryDelay(se.GRPCStatus()); ok {
			return d, true
		}
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if d, ok := serverDelay(e); ok {
				return d, true
			}
		}
	case interface{ Unwrap() error }:
		return serverDelay(u.Unwrap())
	}
	return 0, false
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
