package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics holds the most recent resource measurements. Served on
// the health endpoint so operators can see pressure at a glance.
type SystemMetrics struct {
	CPUPercent float64   `json:"cpuPercent"`
	MemoryMB   float64   `json:"memoryMB"`
	Goroutines int       `json:"goroutines"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemMonitor samples process and host resource usage on a fixed
// interval. Measure once, query many times.
type SystemMonitor struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemMonitor builds an idle monitor; Start begins sampling.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the sampling loop.
func (sm *SystemMonitor) Start(interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.update()
		for {
			select {
			case <-ticker.C:
				sm.update()
			case <-sm.ctx.Done():
				return
			}
		}
	}()
	sm.logger.Info().Dur("interval", interval).Msg("System monitor started")
}

// Stop terminates the sampling loop.
func (sm *SystemMonitor) Stop() {
	sm.cancel()
	sm.wg.Wait()
}

// Metrics returns the latest sample.
func (sm *SystemMonitor) Metrics() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

func (sm *SystemMonitor) update() {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err != nil {
		sm.logger.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	sm.mu.Lock()
	sm.metrics = SystemMetrics{
		CPUPercent: cpuPercent,
		MemoryMB:   float64(mem.Alloc) / (1024 * 1024),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	sm.mu.Unlock()
}
