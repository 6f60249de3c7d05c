package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerAddress(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"), "burst exhausted")

	// other clients keep their own bucket
	require.True(t, rl.Allow("10.0.0.2"))

	now = now.Add(time.Second)
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
}

func TestRateLimiterDefaultBurst(t *testing.T) {
	require.Equal(t, 1, newRateLimiter(0.5, 0).burst)
	require.Equal(t, 20, newRateLimiter(20, 0).burst)
	require.Equal(t, 5, newRateLimiter(20, 5).burst)
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(limiterIdle / 2)
	rl.Allow("10.0.0.2")
	require.Len(t, rl.clients, 2)

	now = now.Add(limiterIdle/2 + time.Second)
	rl.Allow("10.0.0.3")
	require.Len(t, rl.clients, 2)
	require.NotContains(t, rl.clients, "10.0.0.1")
}
