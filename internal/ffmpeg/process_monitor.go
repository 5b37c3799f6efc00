package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an encoder process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent float64       `json:"cpu_percent"` // Usage over the last sample interval, 100 per core
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`

	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor samples resource usage of a running process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu      sync.RWMutex
	stats   ProcessStats
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for pid sampling once per second.
func NewProcessMonitor(pid int) *ProcessMonitor {
	now := time.Now()
	return &ProcessMonitor{
		pid:       pid,
		startedAt: now,
		interval:  time.Second,
		stats:     ProcessStats{PID: pid, StartedAt: now},
	}
}

// WithInterval sets the sampling interval. Must be called before Start.
func (pm *ProcessMonitor) WithInterval(d time.Duration) *ProcessMonitor {
	if d > 0 {
		pm.interval = d
	}
	return pm
}

// Start begins sampling in the background. Sampling stops on its own once the
// process exits.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	pm.cancel = cancel
	pm.running = true
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)
}

// Stop stops sampling and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	pm.mu.Lock()
	cancel := pm.cancel
	pm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the latest sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	stats := pm.stats
	stats.Duration = time.Since(pm.startedAt)
	return stats
}

func (pm *ProcessMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	proc, err := process.NewProcessWithContext(ctx, int32(pm.pid)) //nolint:gosec // pids fit in int32
	if err != nil {
		return
	}

	// Prime the interval-based CPU counter.
	_, _ = proc.PercentWithContext(ctx, 0)

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if running, err := proc.IsRunningWithContext(ctx); err != nil || !running {
				return
			}
			pm.sample(ctx, proc)
		}
	}
}

func (pm *ProcessMonitor) sample(ctx context.Context, proc *process.Process) {
	var next ProcessStats

	if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
		next.CPUPercent = pct
	}
	if times, err := proc.TimesWithContext(ctx); err == nil {
		next.CPUUser = time.Duration(times.User * float64(time.Second))
		next.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		next.MemoryRSSBytes = mem.RSS
		next.MemoryVMSBytes = mem.VMS
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		next.MemoryPercent = float64(pct)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	next.PID = pm.pid
	next.StartedAt = pm.startedAt
	next.LastUpdated = time.Now()
	pm.stats = next
}
