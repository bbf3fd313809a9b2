package chat

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBurstThenEmpty(t *testing.T) {
	l := NewMessageLimiterWithConfig(1, 3)
	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("burst token %d denied", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("token granted past burst capacity")
	}
}

func TestLimiterRefills(t *testing.T) {
	l := NewMessageLimiterWithConfig(100, 1)
	if !l.TryAcquire() {
		t.Fatal("first token denied")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("token not refilled at 100/s after 30ms")
	}
}

func TestLimiterAcquireBlocks(t *testing.T) {
	l := NewMessageLimiterWithConfig(50, 1)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("second acquire did not wait for refill")
	}
}

func TestLimiterAcquireCanceled(t *testing.T) {
	l := NewMessageLimiterWithConfig(1, 1)
	l.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); err == nil {
		t.Fatal("acquire with empty bucket returned before cancellation")
	}
}

func TestLimiterClampsConfig(t *testing.T) {
	l := NewMessageLimiterWithConfig(0, -5)
	if !l.TryAcquire() {
		t.Fatal("clamped limiter must grant at least one token")
	}
}
