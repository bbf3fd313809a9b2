package chat

import (
	"context"

	"golang.org/x/time/rate"
)

// Default per-connection message pacing.
const (
	DefaultMessageRate  = 10 // tokens per second
	DefaultMessageBurst = 20
)

// MessageLimiter is a per-connection token bucket pacing SEND traffic.
// Uses golang.org/x/time/rate underneath.
type MessageLimiter struct {
	inner *rate.Limiter
}

// NewMessageLimiter returns a limiter with the default rate and burst.
func NewMessageLimiter() *MessageLimiter {
	return NewMessageLimiterWithConfig(DefaultMessageRate, DefaultMessageBurst)
}

// NewMessageLimiterWithConfig returns a limiter with the given tokens/sec
// rate and burst capacity. Zero or negative values are clamped to 1 so a bad
// configuration can never deadlock the connection.
func NewMessageLimiterWithConfig(perSecond, burst int) *MessageLimiter {
	if perSecond < 1 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &MessageLimiter{inner: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// TryAcquire consumes one token without blocking. Returns false when the
// bucket is empty.
func (l *MessageLimiter) TryAcquire() bool {
	return l.inner.Allow()
}

// Acquire blocks until one token has been consumed or ctx is canceled.
func (l *MessageLimiter) Acquire(ctx context.Context) error {
	return l.inner.Wait(ctx)
}
