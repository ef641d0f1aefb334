// ratelimit.go implements the client-side request budget for the exchange
// REST API.
//
// The exchange enforces a per-key requests-per-second limit. A smooth
// token-bucket (continuous refill rather than per-window bursts) keeps the
// client under it, and a separate pause gate holds all calls for the cooling
// period the exchange indicates on 429 responses.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated

	pausedUntil time.Time // no tokens are handed out before this instant
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled. An active
// pause window delays the first token until the window ends.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()

		if now.Before(tb.pausedUntil) {
			wait := tb.pausedUntil.Sub(now)
			tb.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Pause holds all Wait calls for the given cooling period. A shorter pause
// never truncates a longer one already in effect.
func (tb *TokenBucket) Pause(d time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(tb.pausedUntil) {
		tb.pausedUntil = until
	}
}

// Paused reports whether a cooling window is currently in effect.
func (tb *TokenBucket) Paused() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return time.Now().Before(tb.pausedUntil)
}
