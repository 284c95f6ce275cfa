package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessLimiter_AllowsUnderMax(t *testing.T) {
	t.Parallel()
	l := NewInProcessLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "tool-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "tool-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInProcessLimiter_WindowExpires(t *testing.T) {
	t.Parallel()
	l := NewInProcessLimiter()
	ctx := context.Background()

	ok, err := l.Allow(ctx, "tool-b", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "tool-b", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	ok, err = l.Allow(ctx, "tool-b", 1, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInProcessLimiter_IndependentKeys(t *testing.T) {
	t.Parallel()
	l := NewInProcessLimiter()
	ctx := context.Background()

	ok, err := l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
