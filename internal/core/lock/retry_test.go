package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedJitter(v float64) func() float64 {
	return func() float64 { return v }
}

func TestRetryPolicy_NextDelayBounds(t *testing.T) {
	p := NewRetryPolicy(5, 10*time.Millisecond, 80*time.Millisecond)
	ceilings := []time.Duration{10, 20, 40, 80, 80}

	for i, c := range ceilings {
		c *= time.Millisecond
		attempt := i + 1

		p.Jitter = fixedJitter(0)
		low, ok := p.NextDelay(attempt)
		require.True(t, ok)
		assert.Equal(t, c/2, low, "attempt %d lower bound", attempt)

		p.Jitter = fixedJitter(0.999)
		high, ok := p.NextDelay(attempt)
		require.True(t, ok)
		assert.Less(t, high, c, "attempt %d upper bound", attempt)
		assert.GreaterOrEqual(t, high, c/2)
	}
}

func TestRetryPolicy_Exhaustion(t *testing.T) {
	p := NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond)

	_, ok := p.NextDelay(0)
	assert.False(t, ok)
	_, ok = p.NextDelay(3)
	assert.True(t, ok)
	_, ok = p.NextDelay(4)
	assert.False(t, ok)

	none := NewRetryPolicy(0, time.Millisecond, time.Millisecond)
	_, ok = none.NextDelay(1)
	assert.False(t, ok)
}

func TestRetryPolicy_MaxTotalWait(t *testing.T) {
	p := NewRetryPolicy(5, 10*time.Millisecond, 80*time.Millisecond)
	assert.Equal(t, 230*time.Millisecond, p.MaxTotalWait())

	var total time.Duration
	for attempt := 1; ; attempt++ {
		d, ok := p.NextDelay(attempt)
		if !ok {
			break
		}
		total += d
	}
	assert.LessOrEqual(t, total, p.MaxTotalWait())
}

func TestRetryPolicy_CeilingDoesNotOverflow(t *testing.T) {
	p := NewRetryPolicy(200, time.Millisecond, time.Second)
	p.Jitter = fixedJitter(0.5)

	d, ok := p.NextDelay(200)
	require.True(t, ok)
	assert.LessOrEqual(t, d, time.Second)
	assert.Positive(t, d)
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, NewRetryPolicy(3, time.Millisecond, time.Second).Validate())
	assert.Error(t, NewRetryPolicy(-1, time.Millisecond, time.Second).Validate())
	assert.Error(t, NewRetryPolicy(3, 0, time.Second).Validate())
	assert.Error(t, NewRetryPolicy(3, time.Second, time.Millisecond).Validate())
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), time.Millisecond))
	assert.NoError(t, Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}
