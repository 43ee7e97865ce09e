package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/recovery"
)

// RetrySweep periodically replays a Recovery Store file as a Job
// Producer, letting a long-running FastCopy process retry dead letters on
// a schedule instead of requiring a separate invocation.
//
// Grounded on the teacher's internal/agent.Scheduler, which registers one
// robfig/cron job per backup entry and guards against overlapping runs
// with a per-job mutex; RetrySweep generalizes that to "one cron job that
// re-reads the Recovery Store and feeds it back into the queue",
// reusing the same overlap-guard discipline.
type RetrySweep struct {
	Schedule          string // standard cron expression
	RecoveryStorePath func() string
	Logger            *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// Start registers and starts the sweep, invoking emit(job) for every
// record found in the current Recovery Store file at each scheduled tick.
func (r *RetrySweep) Start(ctx context.Context, emit func(model.CopyJob) error) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.Schedule, func() {
		r.mu.Lock()
		if r.running {
			r.mu.Unlock()
			logger.Warn("retry sweep already running, skipping tick")
			return
		}
		r.running = true
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
		}()

		path := r.RecoveryStorePath()
		if path == "" {
			return
		}
		if err := recovery.Read(path, func(job model.CopyJob) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return emit(job)
		}); err != nil {
			logger.Error("retry sweep failed", "path", path, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("producer: scheduling retry sweep %q: %w", r.Schedule, err)
	}

	r.cron.Start()
	return nil
}

// Stop halts the sweep and waits for any in-flight tick to finish.
func (r *RetrySweep) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Run adapts RetrySweep to the Producer interface: it starts the
// schedule, feeds every replayed job into out, and blocks until ctx is
// cancelled, at which point the schedule is stopped and out is left for
// the caller to close. This lets the Controller treat "retry dead
// letters on a cron schedule" as just another job source.
func (r *RetrySweep) Run(ctx context.Context, out chan<- model.CopyJob) error {
	err := r.Start(ctx, func(job model.CopyJob) error {
		select {
		case out <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return ctx.Err()
}
