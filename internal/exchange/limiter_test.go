package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WeightForLimit_Tiers(t *testing.T) {
	tests := []struct {
		name   string
		limit  int
		weight int
	}{
		{"minimum request", 1, 1},
		{"tier one boundary", 100, 1},
		{"tier two", 101, 2},
		{"tier two boundary", 500, 2},
		{"tier three", 501, 5},
		{"tier three boundary", 1000, 5},
		{"tier four", 1001, 10},
		{"maximum request", 1500, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.weight, WeightForLimit(tt.limit))
		})
	}
}

func Test_RateLimiter_AdmitsBudgetPerWindow(t *testing.T) {
	const (
		maxWeight = 10
		weight    = 3
	)

	rl := NewRateLimiter(maxWeight, time.Minute)

	// floor(10/3) = 3 requests fit in the window without blocking.
	for i := 0; i < maxWeight/weight; i++ {
		ok, _ := rl.tryAcquire(weight)
		require.True(t, ok, "request %d should be admitted", i+1)
	}

	// The next request exceeds the budget and must wait for the reset.
	ok, retryIn := rl.tryAcquire(weight)
	assert.False(t, ok)
	assert.Greater(t, retryIn, time.Duration(0))
	assert.LessOrEqual(t, retryIn, time.Second, "poll interval is capped at one second")
}

func Test_RateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	current := time.Now()
	rl.now = func() time.Time { return current }
	rl.windowStart = current

	ok, _ := rl.tryAcquire(5)
	require.True(t, ok)

	ok, _ = rl.tryAcquire(1)
	require.False(t, ok, "budget exhausted inside the window")

	// Once the window elapses the full budget is available again.
	current = current.Add(61 * time.Second)
	ok, _ = rl.tryAcquire(5)
	assert.True(t, ok)
}

func Test_RateLimiter_WaitHonorsCancellation(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	require.NoError(t, rl.Wait(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
