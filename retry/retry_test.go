package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	p := &ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempts: 4}

	cases := []struct {
		attempt int
		delay   time.Duration
		ok      bool
	}{
		{0, 10 * time.Millisecond, true},
		{1, 20 * time.Millisecond, true},
		{2, 40 * time.Millisecond, true},
		{3, 50 * time.Millisecond, true},
		{4, 0, false},
	}
	for _, tc := range cases {
		d, ok := p.NextRetry(tc.attempt)
		assert.Equal(t, tc.ok, ok, "attempt %d", tc.attempt)
		assert.Equal(t, tc.delay, d, "attempt %d", tc.attempt)
	}
}

func TestExponentialBackoffWithoutCap(t *testing.T) {
	p := &ExponentialBackoff{InitialDelay: 10 * time.Millisecond, MaxAttempts: 5}
	d, ok := p.NextRetry(3)
	assert.True(t, ok)
	assert.Equal(t, 80*time.Millisecond, d)
}

func TestCompositePolicy(t *testing.T) {
	p := &CompositePolicy{Policies: []Policy{
		&FixedInterval{Interval: time.Millisecond, MaxAttempts: 1},
		&FixedInterval{Interval: time.Second, MaxAttempts: 3},
	}}
	d, ok := p.NextRetry(0)
	assert.True(t, ok)
	assert.Equal(t, time.Millisecond, d)
	d, ok = p.NextRetry(2)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	_, ok = p.NextRetry(3)
	assert.False(t, ok)
}

func TestDo(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), &FixedInterval{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up with last error", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), &FixedInterval{Interval: time.Millisecond, MaxAttempts: 2}, func(context.Context) error {
			calls++
			return errors.New("down")
		})
		assert.EqualError(t, err, "down")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, &FixedInterval{Interval: time.Hour, MaxAttempts: 5}, func(context.Context) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
