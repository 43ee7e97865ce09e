// Package watchdog implements the resource watchdog (spec §4.9, C9):
// periodic process memory/CPU sampling that advises a current parallelism
// ceiling to the worker pool.
//
// Grounded on the teacher's internal/agent.SystemMonitor
// (github.com/shirou/gopsutil/v3 mem/cpu/disk/load), generalized from
// system-wide stats to per-process stats (spec explicitly names "process
// memory + CPU", not host-wide), and on internal/agent.AutoScaler for the
// "sample on a ticker, publish a thread-safe snapshot" shape — FastCopy's
// watchdog adjusts a parallelism ceiling instead of a stream count, and
// reacts to a static memory cap rather than a throughput-efficiency ratio.
package watchdog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SampleInterval is how often the watchdog samples, per spec §4.9.
const SampleInterval = 500 * time.Millisecond

// lowWaterFraction and scaleDownFactor are the thresholds spec §4.9
// names: past the cap the ceiling is multiplied by scaleDownFactor; below
// lowWaterFraction of the cap it grows back by one.
const lowWaterFraction = 0.85
const scaleDownFactor = 0.75

// Snapshot is the value type published each sample (spec §3
// ResourceSnapshot).
type Snapshot struct {
	MemoryBytes               uint64
	CPUFraction               float64
	CurrentParallelismCeiling int
	Throttled                 bool
}

// Watchdog samples process memory/CPU on a ticker and maintains a
// parallelism ceiling the worker pool reads via Ceiling().
type Watchdog struct {
	maxMemoryBytes uint64 // 0 = no cap, never throttles
	initialCeiling int
	logger         *slog.Logger
	proc           *process.Process

	ceiling atomic.Int64 // current ceiling

	snapshotMu sync.RWMutex
	snapshot   Snapshot

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a watchdog advising at most initialCeiling concurrent
// workers, throttling only if maxMemoryBytes is non-zero and exceeded.
func New(initialCeiling int, maxMemoryBytes uint64, logger *slog.Logger) (*Watchdog, error) {
	if initialCeiling < 1 {
		initialCeiling = 1
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	w := &Watchdog{
		maxMemoryBytes: maxMemoryBytes,
		initialCeiling: initialCeiling,
		logger:         logger,
		proc:           proc,
		stop:           make(chan struct{}),
	}
	w.ceiling.Store(int64(initialCeiling))
	w.snapshot = Snapshot{CurrentParallelismCeiling: initialCeiling}
	return w, nil
}

// Run samples on SampleInterval until ctx is done or Stop is called.
func (w *Watchdog) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// Stop halts sampling; safe to call once Run has returned or concurrently
// with it.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wg.Wait()
}

func (w *Watchdog) sample() {
	memBytes := w.readMemory()
	cpuFraction := w.readCPUFraction()

	ceiling := int(w.ceiling.Load())
	throttled := false

	if w.maxMemoryBytes > 0 {
		if memBytes > w.maxMemoryBytes {
			newCeiling := int(float64(ceiling) * scaleDownFactor)
			if newCeiling < 1 {
				newCeiling = 1
			}
			if newCeiling != ceiling {
				ceiling = newCeiling
				w.ceiling.Store(int64(ceiling))
				if w.logger != nil {
					w.logger.Warn("watchdog throttling parallelism", "memoryBytes", memBytes, "cap", w.maxMemoryBytes, "newCeiling", ceiling)
				}
			}
			throttled = true
		} else if float64(memBytes) < lowWaterFraction*float64(w.maxMemoryBytes) && ceiling < w.initialCeiling {
			ceiling++
			w.ceiling.Store(int64(ceiling))
			if w.logger != nil {
				w.logger.Info("watchdog restoring parallelism", "memoryBytes", memBytes, "cap", w.maxMemoryBytes, "newCeiling", ceiling)
			}
		}
	}

	snap := Snapshot{
		MemoryBytes:               memBytes,
		CPUFraction:               cpuFraction,
		CurrentParallelismCeiling: ceiling,
		Throttled:                 throttled,
	}
	w.snapshotMu.Lock()
	w.snapshot = snap
	w.snapshotMu.Unlock()
}

func (w *Watchdog) readMemory() uint64 {
	info, err := w.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

func (w *Watchdog) readCPUFraction() float64 {
	pct, err := w.proc.Percent(0)
	if err != nil {
		if all, cerr := cpu.Percent(0, false); cerr == nil && len(all) > 0 {
			pct = all[0]
		}
	}
	return pct / 100.0
}

// Ceiling returns the current advised parallelism ceiling.
func (w *Watchdog) Ceiling() int {
	return int(w.ceiling.Load())
}

// Snapshot returns the most recently published ResourceSnapshot.
func (w *Watchdog) Snapshot() Snapshot {
	w.snapshotMu.RLock()
	defer w.snapshotMu.RUnlock()
	return w.snapshot
}
