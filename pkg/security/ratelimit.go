package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound frames on a gateway. A global token bucket
// caps aggregate throughput and a lazily created per-connection bucket keeps
// one chatty worker from starving the rest. Buckets start full, so a fresh
// connection gets its burst immediately.
type RateLimiter struct {
	global  *rate.Limiter
	perConn map[string]*rate.Limiter
	mu      sync.RWMutex

	framesPerSecond float64
	burst           int
}

// NewRateLimiter builds a limiter where both the global bucket and each
// per-connection bucket refill at framesPerSecond and hold up to burst tokens.
func NewRateLimiter(framesPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		global:          rate.NewLimiter(rate.Limit(framesPerSecond), burst),
		perConn:         make(map[string]*rate.Limiter),
		framesPerSecond: framesPerSecond,
		burst:           burst,
	}
}

// Allow reports whether one frame from the given connection may proceed now.
// The global bucket is charged first; if the connection's own bucket is empty
// the global token is still spent, which keeps Allow cheap at the cost of
// slightly undercounting capacity when a single connection is being limited.
func (rl *RateLimiter) Allow(connID string) bool {
	if !rl.global.Allow() {
		return false
	}
	return rl.connLimiter(connID).Allow()
}

// Wait blocks until a frame from the given connection may proceed, or until
// ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, connID string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.connLimiter(connID).Wait(ctx); err != nil {
		return fmt.Errorf("connection rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) connLimiter(connID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, ok := rl.perConn[connID]
	rl.mu.RUnlock()
	if ok {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.perConn[connID]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rl.framesPerSecond), rl.burst)
	rl.perConn[connID] = limiter
	return limiter
}

// Forget drops the bucket for a connection that has gone away so the map does
// not grow without bound on a long-lived gateway.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.perConn, connID)
}
