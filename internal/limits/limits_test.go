package limits

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerIPBurst(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     3,
		IPRate:      0.001, // effectively no refill within the test
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "connection %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	// A different client has its own bucket.
	assert.True(t, l.Allow("10.0.0.2"))
}

func TestRateLimiterGlobalBucket(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	// Distinct IPs do not help once the global bucket is dry.
	assert.False(t, l.Allow("10.0.0.3"))
}

func TestRateLimiterCleanupDropsIdleEntries(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPTTL:  time.Millisecond,
		Logger: zerolog.Nop(),
	})
	defer l.Stop()

	l.Allow("10.0.0.1")
	time.Sleep(5 * time.Millisecond)
	l.cleanup()

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	assert.Empty(t, l.ipLimiters)
}

func TestResourceGuardDisabledThresholds(t *testing.T) {
	g := NewResourceGuard(0, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartMonitoring(ctx, time.Millisecond)

	// Both thresholds disabled: always admit.
	for i := 0; i < 10; i++ {
		assert.True(t, g.AllowConnection())
	}
}

func TestResourceGuardMemoryLimit(t *testing.T) {
	g := NewResourceGuard(0, 1, zerolog.Nop()) // one byte: any heap trips it
	g.sample()
	if g.proc == nil {
		t.Skip("process sampling unavailable")
	}
	assert.False(t, g.AllowConnection())
}
