// Package ratelimit implements the global, lock-free token bucket shared
// by every concurrent transfer (spec §4.1). State lives entirely in
// atomics; Consume never takes a lock on its hot path, only a short
// adaptive back-off when tokens are unavailable.
//
// The teacher codebase's bandwidth limiter (internal/agent/throttle.go)
// wraps golang.org/x/time/rate behind a mutex-protected io.Writer. Spec §9
// flags that exact pattern ("global mutable rate limiter") for
// re-architecture: FastCopy's bucket must be CAS-based with no locks in
// the hot path, so the bucket below is hand-rolled instead.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ehudhazan/fastcopy/internal/model"
)

// scale gives the bucket sub-byte precision: all token math happens in
// units of 1/scale of a byte.
const scale = 1000

// ticksPerSecond is the resolution of lastRefillTicks (nanoseconds).
const ticksPerSecond = int64(time.Second)

// maxBackoff bounds the limiter's park interval so a live SetLimit call
// (including retargeting to 0, i.e. bypass) becomes visible quickly.
const maxBackoff = 20 * time.Millisecond

const minBackoff = 200 * time.Microsecond

// Limiter is a process-wide token bucket. The zero value is not usable;
// construct with New.
type Limiter struct {
	tokens          atomic.Int64 // scaled
	max             atomic.Int64 // scaled
	refillPerSecond atomic.Int64 // scaled, bytes/sec
	lastRefillTicks atomic.Int64 // unix nanoseconds of last successful refill
	bypass          atomic.Bool
}

// New creates a Limiter configured for bytesPerSecond. A limit of 0 starts
// the limiter in bypass mode (Consume never waits). Burst capacity is one
// second of the configured rate, per spec §4.1 invariant (a).
func New(bytesPerSecond int64) (*Limiter, error) {
	if bytesPerSecond < 0 {
		return nil, model.ErrNegativeRateLimit
	}
	l := &Limiter{}
	l.lastRefillTicks.Store(time.Now().UnixNano())
	l.setLimitLocked(bytesPerSecond)
	return l, nil
}

func (l *Limiter) setLimitLocked(bytesPerSecond int64) {
	if bytesPerSecond == 0 {
		l.bypass.Store(true)
		l.refillPerSecond.Store(0)
		l.max.Store(0)
		l.tokens.Store(0)
		return
	}
	l.bypass.Store(false)
	scaled := bytesPerSecond * scale
	l.refillPerSecond.Store(scaled)
	l.max.Store(scaled) // burst = 1s worth, invariant (a)
	// Retargeting to a smaller limit caps existing tokens, invariant (b).
	for {
		cur := l.tokens.Load()
		if cur <= scaled {
			break
		}
		if l.tokens.CompareAndSwap(cur, scaled) {
			break
		}
	}
}

// SetLimit atomically retargets the bucket. 0 enables bypass mode.
func (l *Limiter) SetLimit(bytesPerSecond int64) error {
	if bytesPerSecond < 0 {
		return model.ErrNegativeRateLimit
	}
	l.setLimitLocked(bytesPerSecond)
	return nil
}

// GetLimit reads the currently configured rate in bytes/second. Returns 0
// while in bypass mode.
func (l *Limiter) GetLimit() int64 {
	if l.bypass.Load() {
		return 0
	}
	return l.refillPerSecond.Load() / scale
}

// Consume blocks the caller until n bytes may be debited, or until ctx is
// done. Safe to call from many goroutines concurrently. Returns promptly
// in bypass mode.
func (l *Limiter) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if l.bypass.Load() {
		return nil
	}

	required := n * scale
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.bypass.Load() {
			return nil
		}

		l.refill()

		if l.tryDebit(required) {
			return nil
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// refill adds elapsed*rate tokens, capped at max, claiming the elapsed
// interval with a CAS on lastRefillTicks so concurrent callers don't
// double-credit the same interval.
func (l *Limiter) refill() {
	now := time.Now().UnixNano()
	last := l.lastRefillTicks.Load()
	elapsed := now - last
	if elapsed <= 0 {
		return
	}
	if !l.lastRefillTicks.CompareAndSwap(last, now) {
		return // another goroutine claimed this interval
	}

	rate := l.refillPerSecond.Load()
	add := elapsed * rate / ticksPerSecond
	if add <= 0 {
		return
	}
	max := l.max.Load()
	for {
		cur := l.tokens.Load()
		next := cur + add
		if next > max {
			next = max
		}
		if l.tokens.CompareAndSwap(cur, next) {
			return
		}
	}
}

// tryDebit attempts to subtract required tokens, reverting on
// insufficient balance. Returns true on success.
func (l *Limiter) tryDebit(required int64) bool {
	for {
		cur := l.tokens.Load()
		if cur < required {
			return false
		}
		next := cur - required
		if l.tokens.CompareAndSwap(cur, next) {
			return true
		}
	}
}

