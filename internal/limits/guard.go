// Package limits holds admission safety checks that sit in front of the
// acceptor: static thresholds, sampled process resource usage, no
// auto-tuning.
package limits

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// GuardConfig carries the static thresholds the guard enforces.
type GuardConfig struct {
	// CPURejectThreshold rejects new connections when process CPU usage
	// exceeds this percentage. Zero disables the check.
	CPURejectThreshold float64

	// MemoryLimit rejects new connections when process RSS exceeds this
	// many bytes. Zero disables the check.
	MemoryLimit int64

	// SampleInterval is how often usage is refreshed.
	SampleInterval time.Duration
}

// ResourceGuard samples process CPU and memory and vetoes admission when a
// threshold is crossed. The connection semaphore stays the primary limit;
// the guard is the emergency brake behind it.
type ResourceGuard struct {
	cfg    GuardConfig
	logger zerolog.Logger
	proc   *process.Process

	currentCPU    atomic.Value // float64, percent
	currentMemory atomic.Int64 // bytes
}

// NewResourceGuard creates a guard over the current process.
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger) (*ResourceGuard, error) {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	rg := &ResourceGuard{
		cfg:    cfg,
		logger: logger.With().Str("component", "resource_guard").Logger(),
		proc:   proc,
	}
	rg.currentCPU.Store(0.0)

	rg.logger.Info().
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Int64("memory_limit", cfg.MemoryLimit).
		Dur("sample_interval", cfg.SampleInterval).
		Msg("ResourceGuard initialized")
	return rg, nil
}

// StartMonitoring refreshes usage until ctx is canceled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rg.cfg.SampleInterval)
		defer ticker.Stop()
		rg.sample()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rg.sample()
			}
		}
	}()
}

func (rg *ResourceGuard) sample() {
	if cpu, err := rg.proc.CPUPercent(); err == nil {
		rg.currentCPU.Store(cpu)
	}
	if mem, err := rg.proc.MemoryInfo(); err == nil && mem != nil {
		rg.currentMemory.Store(int64(mem.RSS))
	}
}

// ShouldAcceptConnection reports whether a new connection may be admitted
// and, when not, a human-readable reason.
func (rg *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	cpu, _ := rg.currentCPU.Load().(float64)
	if rg.cfg.CPURejectThreshold > 0 && cpu >= rg.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("cpu at %.1f%% (threshold %.1f%%)", cpu, rg.cfg.CPURejectThreshold)
	}
	mem := rg.currentMemory.Load()
	if rg.cfg.MemoryLimit > 0 && mem >= rg.cfg.MemoryLimit {
		return false, fmt.Sprintf("memory at %d bytes (limit %d)", mem, rg.cfg.MemoryLimit)
	}
	return true, ""
}
