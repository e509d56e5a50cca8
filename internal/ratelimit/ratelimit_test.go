package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow(), "initial request %d", i)
	}
	assert.False(t, bucket.Allow(), "bucket should be empty")

	time.Sleep(1100 * time.Millisecond)

	assert.True(t, bucket.Allow())
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())
}

func TestAllowConnectPerUnit(t *testing.T) {
	l := New(2, 0, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowConnect(7), "burst connect %d", i)
	}
	assert.False(t, l.AllowConnect(7))

	// Units have separate buckets.
	assert.True(t, l.AllowConnect(8))

	// Channel limiting is disabled.
	for i := 0; i < 10; i++ {
		assert.True(t, l.AllowChannel("peer"))
	}
}

func TestAllowChannelPerPeer(t *testing.T) {
	l := New(0, 1, 1)

	assert.True(t, l.AllowChannel("a"))
	assert.False(t, l.AllowChannel("a"))
	assert.True(t, l.AllowChannel("b"))
	assert.True(t, l.AllowConnect(1))
}

func TestSetRatesResetsBuckets(t *testing.T) {
	l := New(1, 0, 1)
	assert.True(t, l.AllowConnect(1))
	assert.False(t, l.AllowConnect(1))

	l.SetRates(0, 0, 1)
	assert.True(t, l.AllowConnect(1))
	assert.True(t, l.AllowConnect(1))
}

func TestCleanup(t *testing.T) {
	l := New(1, 1, 1)
	l.AllowConnect(1)
	l.AllowConnect(2)
	l.AllowChannel("a")
	l.AllowChannel("b")

	l.ForgetUnit(1)
	l.CleanupPeers(map[string]bool{"b": true})

	units, peers := l.Sizes()
	assert.Equal(t, 1, units)
	assert.Equal(t, 1, peers)
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	assert.True(t, l.AllowConnect(1))
	assert.True(t, l.AllowChannel("x"))
	l.ForgetUnit(1)
}
