// Package progressreg implements the in-flight transfer registry (spec
// §4.11, C11): a keyed table of ActiveTransfer the Controller's status
// surface reads to report overall progress.
//
// Grounded on the teacher's internal/agent.ProgressReporter, which tracks
// one backup's bytes/objects/retries with atomic counters and renders them
// on a ticker. FastCopy generalizes this from "one counter set for the
// whole run" to "one entry per concurrent job", keyed by source URI, and
// drops the terminal rendering (an explicit Non-goal) in favor of a
// Snapshot() the Controller can format however it likes.
package progressreg

import (
	"sync"
	"time"

	"github.com/ehudhazan/fastcopy/internal/model"
)

// ActiveTransfer is the registry's per-job record.
type ActiveTransfer struct {
	Job            model.CopyJob
	Status         model.Status
	BytesCopied    int64
	TotalBytes     int64 // model.UnknownSize if not known
	BytesPerSecond float64
	StartedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// Registry is a thread-safe map of source URI to ActiveTransfer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*ActiveTransfer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*ActiveTransfer)}
}

// Start registers job with status Copying.
func (r *Registry) Start(job model.CopyJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.entries[job.SourceURI] = &ActiveTransfer{
		Job:        job,
		Status:     model.StatusCopying,
		TotalBytes: job.KnownSizeBytes,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Progress updates the running byte count and instantaneous speed for a
// job already registered via Start. A call for an unregistered source URI
// is a no-op: progress callbacks can race a retry that re-Starts the same
// job under a new attempt, and the stale callback should not resurrect a
// finished entry.
func (r *Registry) Progress(sourceURI string, bytesCopied int64, bytesPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sourceURI]
	if !ok {
		return
	}
	e.BytesCopied = bytesCopied
	e.BytesPerSecond = bytesPerSecond
	e.UpdatedAt = time.Now()
}

// MarkPaused flags an in-flight transfer as paused without removing it.
func (r *Registry) MarkPaused(sourceURI string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sourceURI]
	if !ok {
		return
	}
	if paused {
		e.Status = model.StatusPaused
	} else {
		e.Status = model.StatusCopying
	}
}

// Finish removes a job from the active set at once, whether it succeeded
// or failed; err is not recorded. The registry itself keeps no history,
// so callers needing a run summary must accumulate Finish outcomes
// themselves (spec §7's RunSummary).
func (r *Registry) Finish(sourceURI string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sourceURI)
	_ = err // outcome is recorded by the caller's own summary accumulator
}

// Snapshot returns a point-in-time copy of every active transfer.
func (r *Registry) Snapshot() []ActiveTransfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveTransfer, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Aggregate sums bytes copied and counts active transfers across the
// registry, the figures the Controller's periodic status line needs.
func (r *Registry) Aggregate() (activeCount int, bytesCopied int64, totalKnownBytes int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		activeCount++
		bytesCopied += e.BytesCopied
		if e.TotalBytes > 0 {
			totalKnownBytes += e.TotalBytes
		}
	}
	return
}
