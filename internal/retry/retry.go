// Package retry implements the progressless-iteration backoff used around
// Cloud Storage calls: full-jitter exponential sleeps with a fixed ceiling on
// consecutive failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxRetries is the number of consecutive progressless iterations
// tolerated before a call gives up.
const DefaultMaxRetries = 5

// ErrExhausted marks an error surfaced after the retry ceiling was hit.
var ErrExhausted = errors.New("retries exhausted")

// Policy holds retry configuration.
type Policy struct {
	MaxRetries int
	// Unit is scaled by jitter * 2^iteration to get the sleep.
	Unit   time.Duration
	Jitter func() float64
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Option is a functional option for retry configuration.
type Option func(*Policy)

// NewPolicy returns the default policy with opts applied.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		MaxRetries: DefaultMaxRetries,
		Unit:       time.Second,
		Jitter:     rand.Float64,
		Sleep:      sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// WithMaxRetries sets the ceiling on consecutive failures.
func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		p.MaxRetries = n
	}
}

// WithUnit sets the backoff unit.
func WithUnit(d time.Duration) Option {
	return func(p *Policy) {
		p.Unit = d
	}
}

// WithJitter replaces the [0,1) random source.
func WithJitter(fn func() float64) Option {
	return func(p *Policy) {
		p.Jitter = fn
	}
}

// WithSleep replaces the sleep function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		p.Sleep = fn
	}
}

// MaxDelay bounds a single backoff sleep.
const MaxDelay = time.Hour

// Delay returns the backoff for the given progressless iteration, never more
// than MaxDelay.
func (p *Policy) Delay(iteration int) time.Duration {
	d := p.Jitter() * math.Pow(2, float64(max(iteration, 0))) * float64(p.Unit)
	if math.IsNaN(d) || d <= 0 {
		return 0
	}
	if d >= float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(d)
}

// Counter tracks progressless iterations for a single call.
type Counter struct {
	policy *Policy
	log    zerolog.Logger
	op     string
	iters  int
}

// Counter starts a fresh iteration count for op.
func (p *Policy) Counter(log zerolog.Logger, op string) *Counter {
	return &Counter{policy: p, log: log, op: op}
}

// Reset records progress.
func (c *Counter) Reset() {
	c.iters = 0
}

// Iterations returns the current number of consecutive failures.
func (c *Counter) Iterations() int {
	return c.iters
}

// Fail records a retryable failure. Once the ceiling is exceeded it returns an
// *ExhaustedError wrapping err; otherwise it sleeps and returns nil.
func (c *Counter) Fail(ctx context.Context, err error) error {
	c.iters++

	if c.iters > c.policy.MaxRetries {
		c.log.Warn().
			Err(err).
			Str("op", c.op).
			Int("iterations", c.iters).
			Msg("Failed to make progress for too many consecutive iterations")

		return &ExhaustedError{Op: c.op, Attempts: c.iters, Err: err}
	}

	delay := c.policy.Delay(c.iters)
	c.log.Info().
		Err(err).
		Str("op", c.op).
		Dur("sleep", delay).
		Int("retry", c.iters).
		Msg("Caught retryable error, sleeping before retry")

	if serr := c.policy.Sleep(ctx, delay); serr != nil {
		return fmt.Errorf("%s: interrupted after %d attempts: %w", c.op, c.iters, serr)
	}

	return nil
}

// Do runs fn until it succeeds, returns an error retryable rejects, or the
// ceiling is exceeded.
func (p *Policy) Do(
	ctx context.Context,
	log zerolog.Logger,
	op string,
	fn func() error,
	retryable func(error) bool,
) error {
	counter := p.Counter(log, op)

	for {
		err := fn()
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return err
		}

		if ferr := counter.Fail(ctx, err); ferr != nil {
			return ferr
		}
	}
}

// ExhaustedError is returned once a call has failed more than MaxRetries
// times in a row.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: no progress after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
