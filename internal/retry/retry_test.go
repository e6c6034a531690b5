package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPolicy never sleeps and records every requested delay.
func recordingPolicy(delays *[]time.Duration, opts ...Option) *Policy {
	base := []Option{
		WithJitter(func() float64 { return 0.5 }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		}),
	}

	return NewPolicy(append(base, opts...)...)
}

func TestDo_Success(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	err := p.Do(context.Background(), zerolog.Nop(), "op", func() error {
		attempts++
		return nil
	}, func(error) bool { return true })

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	attempts := 0
	err := p.Do(context.Background(), zerolog.Nop(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	}, func(error) bool { return true })

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestDo_CeilingMakesSixAttempts(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	cause := errors.New("service unavailable")
	attempts := 0
	err := p.Do(context.Background(), zerolog.Nop(), "create bucket", func() error {
		attempts++
		return cause
	}, func(error) bool { return true })

	require.Error(t, err)
	assert.Equal(t, DefaultMaxRetries+1, attempts)
	assert.Len(t, delays, DefaultMaxRetries)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 6, exhausted.Attempts)
	assert.Equal(t, "create bucket", exhausted.Op)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	var delays []time.Duration
	p := recordingPolicy(&delays)

	fatal := errors.New("forbidden")
	attempts := 0
	err := p.Do(context.Background(), zerolog.Nop(), "op", func() error {
		attempts++
		return fatal
	}, func(error) bool { return false })

	assert.Same(t, fatal, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)
}

func TestDelay_FullJitterExponential(t *testing.T) {
	tests := []struct {
		name      string
		jitter    float64
		iteration int
		want      time.Duration
	}{
		{name: "zero jitter", jitter: 0, iteration: 4, want: 0},
		{name: "first retry", jitter: 1, iteration: 1, want: 2 * time.Second},
		{name: "fifth retry", jitter: 0.25, iteration: 5, want: 8 * time.Second},
		{name: "capped", jitter: 0.5, iteration: 20, want: MaxDelay},
		{name: "huge iteration", jitter: 0.01, iteration: 1000, want: MaxDelay},
		{name: "beyond int64 nanoseconds", jitter: 1, iteration: 64, want: MaxDelay},
		{name: "negative iteration", jitter: 1, iteration: -3, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(WithJitter(func() float64 { return tt.jitter }))
			assert.Equal(t, tt.want, p.Delay(tt.iteration))
		})
	}
}

func TestCounter_ResetClearsIterations(t *testing.T) {
	var delays []time.Duration
	c := recordingPolicy(&delays, WithMaxRetries(1)).Counter(zerolog.Nop(), "download")

	require.NoError(t, c.Fail(context.Background(), errors.New("boom")))
	assert.Equal(t, 1, c.Iterations())

	c.Reset()
	assert.Equal(t, 0, c.Iterations())

	require.NoError(t, c.Fail(context.Background(), errors.New("boom")))
	assert.ErrorIs(t, c.Fail(context.Background(), errors.New("boom")), ErrExhausted)
}

func TestCounter_SleepHonoursContext(t *testing.T) {
	p := NewPolicy(WithJitter(func() float64 { return 1 }), WithUnit(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Counter(zerolog.Nop(), "op").Fail(ctx, errors.New("boom"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
}
