package limits

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestGuardDisabledThresholdsAccept(t *testing.T) {
	g, err := NewResourceGuard(GuardConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResourceGuard: %v", err)
	}
	if ok, reason := g.ShouldAcceptConnection(); !ok {
		t.Fatalf("guard with zero thresholds rejected: %s", reason)
	}
}

func TestGuardMemoryLimitRejects(t *testing.T) {
	// One byte: any real process is over it after the first sample.
	g, err := NewResourceGuard(GuardConfig{MemoryLimit: 1, SampleInterval: time.Hour}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResourceGuard: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartMonitoring(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := g.ShouldAcceptConnection(); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("guard never rejected despite 1-byte memory limit")
}
