package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresight-labs/market-pipeline/internal/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestLimiter_MinuteBoundary(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// propose_per_minute = 5: the 5th succeeds, the 6th fails.
	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "user-1", EndpointPropose)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d should be allowed", i+1)
		require.NoError(t, l.Increment(ctx, "user-1", EndpointPropose))
	}

	res, err := l.Check(ctx, "user-1", EndpointPropose)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.Window)
	assert.Equal(t, 5, res.Limit)
	assert.Positive(t, res.RetryAfter)
}

func TestLimiter_IdentifiersIndependent(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Increment(ctx, "user-1", EndpointPropose))
	}

	res, err := l.Check(ctx, "user-2", EndpointPropose)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different identifier has its own windows")
}

func TestLimiter_UnknownEndpointAllowed(t *testing.T) {
	l := newTestLimiter(t)

	res, err := l.Check(context.Background(), "user-1", "unconfigured")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiter_ApplySettings(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	l.ApplySettings(map[string]string{
		"rate_limits.propose.minute": "2",
		"rate_limits.propose.bogus":  "7",
		"rate_limits.propose.hour":   "not-a-number",
		"unrelated.key":              "1",
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Increment(ctx, "user-1", EndpointPropose))
	}
	res, err := l.Check(ctx, "user-1", EndpointPropose)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
}

func TestLimiter_WindowExpiry(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	// Pin "now", fill the minute window, then step past it.
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Increment(ctx, "user-1", EndpointPropose))
	}
	res, err := l.Check(ctx, "user-1", EndpointPropose)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	res, err = l.Check(ctx, "user-1", EndpointPropose)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "rows older than the window no longer count")
}
