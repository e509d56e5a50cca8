package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter limits CONNECT attempts per unit and channel opens per peer.
// A rate of zero disables that limit.
type Limiter struct {
	mu          sync.Mutex
	connectRate int
	channelRate int
	burst       int
	perUnit     map[uint32]*TokenBucket
	perPeer     map[string]*TokenBucket
}

// New creates a limiter allowing connectRate CONNECTs per second per unit
// and channelRate channel opens per second per peer, each with the given
// burst.
func New(connectRate, channelRate, burst int) *Limiter {
	return &Limiter{
		connectRate: connectRate,
		channelRate: channelRate,
		burst:       burst,
		perUnit:     make(map[uint32]*TokenBucket),
		perPeer:     make(map[string]*TokenBucket),
	}
}

// SetRates replaces the limits. Existing buckets are dropped so the new
// rates apply immediately.
func (l *Limiter) SetRates(connectRate, channelRate, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectRate, l.channelRate, l.burst = connectRate, channelRate, burst
	l.perUnit = make(map[uint32]*TokenBucket)
	l.perPeer = make(map[string]*TokenBucket)
}

// AllowConnect checks if unit may start another outbound connection
func (l *Limiter) AllowConnect(unit uint32) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if l.connectRate <= 0 {
		l.mu.Unlock()
		return true
	}
	bucket, ok := l.perUnit[unit]
	if !ok {
		bucket = NewTokenBucket(l.connectRate, l.burst)
		l.perUnit[unit] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// AllowChannel checks if peer may open another control channel
func (l *Limiter) AllowChannel(peer string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if l.channelRate <= 0 {
		l.mu.Unlock()
		return true
	}
	bucket, ok := l.perPeer[peer]
	if !ok {
		bucket = NewTokenBucket(l.channelRate, l.burst)
		l.perPeer[peer] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// ForgetUnit drops the bucket of a unit whose channel has closed
func (l *Limiter) ForgetUnit(unit uint32) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.perUnit, unit)
	l.mu.Unlock()
}

// CleanupPeers removes peer buckets for peers that no longer hold a channel
func (l *Limiter) CleanupPeers(active map[string]bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for peer := range l.perPeer {
		if !active[peer] {
			delete(l.perPeer, peer)
		}
	}
}

// Sizes reports how many unit and peer buckets are held.
func (l *Limiter) Sizes() (units, peers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perUnit), len(l.perPeer)
}
