package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitDelaysSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://api.openai.com/v1/chat/completions"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.openai.com/v1/chat/completions"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterDifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.com/site.css"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.com/site.css"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimitedAndNil(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://cdn.example.com/a.css"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://cdn.example.com/a.css"))
}

func TestLimiterHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
	require.Equal(t, "unknown", hostOf("::not a url"))
}
