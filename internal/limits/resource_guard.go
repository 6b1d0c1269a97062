package limits

import (
	"context"
	"math"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/chatmesh/internal/monitoring"
)

// ResourceGuard samples this process's CPU and memory footprint and
// rejects new connections when the node is already saturated. Existing
// sessions are never shed; the guard only gates admission.
type ResourceGuard struct {
	cpuThreshold float64 // percent of one core scaled by GOMAXPROCS; <=0 disables
	memoryLimit  int64   // bytes of heap in use; 0 disables

	proc    *process.Process
	cpuBits atomic.Uint64 // last sampled CPU percent, as float bits
	memUsed atomic.Int64

	logger zerolog.Logger
}

// NewResourceGuard builds a guard for the current process.
func NewResourceGuard(cpuThreshold float64, memoryLimit int64, logger zerolog.Logger) *ResourceGuard {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampling is unavailable (rare, e.g. exotic /proc mounts); the
		// guard degrades to always-allow.
		logger.Warn().Err(err).Msg("Cannot observe own process, resource guard disabled")
	}
	return &ResourceGuard{
		cpuThreshold: cpuThreshold,
		memoryLimit:  memoryLimit,
		proc:         proc,
		logger:       logger.With().Str("component", "resource_guard").Logger(),
	}
}

// StartMonitoring samples usage on the given interval until the context
// ends.
func (g *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if g.proc == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (g *ResourceGuard) sample() {
	if pct, err := g.proc.Percent(0); err == nil {
		// gopsutil reports percent of a single core; normalize against
		// the cores available to the scheduler.
		normalized := pct / float64(runtime.GOMAXPROCS(0))
		g.cpuBits.Store(math.Float64bits(normalized))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	g.memUsed.Store(int64(ms.HeapInuse))
}

// CPUPercent returns the last sampled, core-normalized CPU percentage.
func (g *ResourceGuard) CPUPercent() float64 {
	return math.Float64frombits(g.cpuBits.Load())
}

// AllowConnection reports whether a new session may be admitted.
func (g *ResourceGuard) AllowConnection() bool {
	if g.proc == nil {
		return true
	}
	if g.cpuThreshold > 0 && g.CPUPercent() > g.cpuThreshold {
		g.logger.Warn().
			Float64("cpu_percent", g.CPUPercent()).
			Float64("threshold", g.cpuThreshold).
			Msg("Connection rejected: CPU above threshold")
		monitoring.IncrementRejected("cpu")
		return false
	}
	if g.memoryLimit > 0 && g.memUsed.Load() > g.memoryLimit {
		g.logger.Warn().
			Int64("heap_in_use", g.memUsed.Load()).
			Int64("limit", g.memoryLimit).
			Msg("Connection rejected: memory above limit")
		monitoring.IncrementRejected("memory")
		return false
	}
	return true
}
