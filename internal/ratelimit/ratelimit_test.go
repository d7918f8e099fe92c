package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowKey(t *testing.T) {
	now := time.Date(2026, 10, 16, 16, 30, 12, 0, time.UTC)
	assert.Equal(t, "rl:send:7:202610161630", windowKey("send", "7", now))
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 10, 16, 16, 30, 45, 0, time.UTC)

	r := evaluate(3, 10, now)
	assert.True(t, r.Allowed)
	assert.Equal(t, 7, r.Remaining)
	assert.Equal(t, 15, r.RetryAfter)

	r = evaluate(11, 10, now)
	assert.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
}

func TestAllow_DisabledSkipsRedis(t *testing.T) {
	l := New(nil, 0)
	r, err := l.Allow(context.Background(), "send", "1")
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}
