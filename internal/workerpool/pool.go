// Package workerpool implements the bounded-parallelism worker pool (spec
// §4.8, C8): drains a job queue, retries classified-retryable failures,
// and records permanent failures to the Recovery Store.
//
// Grounded on the teacher's internal/agent.Scheduler for the "one
// goroutine per unit of work, bounded by a semaphore, first-error
// cancels peers" shape, generalized from "one cron-triggered backup job"
// to "drain a channel of CopyJob concurrently" and layered with
// golang.org/x/sync/errgroup for the stop_on_error fan-out, per the
// domain-stack wiring plan.
package workerpool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehudhazan/fastcopy/internal/copyengine"
	"github.com/ehudhazan/fastcopy/internal/journal"
	"github.com/ehudhazan/fastcopy/internal/logging"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/pausegate"
	"github.com/ehudhazan/fastcopy/internal/progressreg"
	"github.com/ehudhazan/fastcopy/internal/ratelimit"
	"github.com/ehudhazan/fastcopy/internal/recovery"
	"github.com/ehudhazan/fastcopy/internal/transport"
)

// admissionPollInterval is how often a worker re-checks the watchdog
// ceiling while yielded above budget (spec §4.8 step 1: "yield briefly").
const admissionPollInterval = 20 * time.Millisecond

// retryBackoffUnit is the per-attempt backoff multiplier spec §4.8 names
// ("sleep 100ms × attempt_number").
const retryBackoffUnit = 100 * time.Millisecond

// Ceiling is the dynamic parallelism advisory the pool polls before
// admitting a new job (spec §4.8: "watchdog.current_ceiling").
type Ceiling interface {
	Ceiling() int
}

// TransportFactory resolves a destination URI into a Transport, typically
// transport.New bound to a FactoryConfig.
type TransportFactory func(dest transport.ParsedDestination) (transport.Transport, error)

// Options configures one Run invocation.
type Options struct {
	MaxParallelism   int
	MaxRetries       int
	StopOnError      bool
	PauseGate        *pausegate.Gate
	RateLimiter      *ratelimit.Limiter
	Watchdog         Ceiling // nil means no dynamic throttling
	Registry         *progressreg.Registry
	RecoveryStore    *recovery.Store
	TransportFactory TransportFactory
	Logger           *slog.Logger

	// Journal, if set, is updated with the job's destination and last
	// known offset before each copy and cleared on success, so a crash
	// mid-transfer leaves a recoverable (target, last_offset) entry
	// (spec §4.6/§8: "after update+complete, Resume does not yield it").
	Journal *journal.Journal

	// OnSettled, if set, is called exactly once per job once it either
	// succeeds (ok=true, size=the source's known size) or is given up
	// on permanently (ok=false) — lets a caller like the Controller
	// tally a run's Summary without duplicating the retry loop's logic.
	OnSettled func(job model.CopyJob, ok bool, size int64)

	// DeleteSrc removes a job's source file after it completes
	// successfully, then each parent directory left empty (see
	// removeEmptyAncestors); never applied to a job that fails.
	DeleteSrc bool

	// TraceDir, if set, captures a per-job debug trace file (one per
	// retried or dead-lettered job, keyed by the source's journal
	// fingerprint) via logging.NewTransferTrace, removed again on
	// eventual success. Empty disables tracing.
	TraceDir string
}

// Run drains jobs until the channel is closed, executing jobs concurrently
// under min(MaxParallelism, Watchdog.Ceiling()). If StopOnError is set,
// returns the last error of the first job that fails permanently (a
// non-retryable error, or retries exhausted); otherwise returns nil once
// every job has been attempted.
func Run(ctx context.Context, jobs <-chan model.CopyJob, opts Options) error {
	if opts.MaxParallelism < 1 {
		opts.MaxParallelism = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sem := make(chan struct{}, opts.MaxParallelism)
	var inFlight atomic.Int32

	g, gctx := errgroup.WithContext(ctx)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case job, ok := <-jobs:
			if !ok {
				break loop
			}

			if err := admit(gctx, opts.Watchdog, &inFlight, opts.MaxParallelism); err != nil {
				break loop
			}

			sem <- struct{}{}
			inFlight.Add(1)
			job := job
			g.Go(func() error {
				defer func() {
					<-sem
					inFlight.Add(-1)
				}()
				return runJob(gctx, job, opts, logger)
			})
		}
	}

	return g.Wait()
}

// admit blocks until the in-flight count is within both the hard maximum
// and the watchdog's current advisory ceiling, or ctx is done.
func admit(ctx context.Context, ceiling Ceiling, inFlight *atomic.Int32, hardMax int) error {
	if ceiling == nil {
		return nil
	}
	for {
		limit := ceiling.Ceiling()
		if limit > hardMax {
			limit = hardMax
		}
		if int(inFlight.Load()) < limit {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(admissionPollInterval):
		}
	}
}

// runJob executes the per-job retry protocol (spec §4.8 steps 3-6).
func runJob(ctx context.Context, job model.CopyJob, opts Options, logger *slog.Logger) error {
	if opts.Registry != nil {
		opts.Registry.Start(job)
		defer opts.Registry.Finish(job.SourceURI, nil)
	}

	jobID := strconv.FormatUint(journal.Fingerprint(job.SourceURI), 16)
	succeeded := false
	if opts.TraceDir != "" {
		traceLogger, closer, _, err := logging.NewTransferTrace(logger, opts.TraceDir, jobID)
		if err != nil {
			logger.Warn("workerpool: could not open transfer trace", "source", job.SourceURI, "error", err)
		} else {
			logger = traceLogger
			defer func() {
				closer.Close()
				if succeeded {
					logging.RemoveTransferTrace(opts.TraceDir, jobID)
				}
			}()
		}
	}

	dest, parseErr := transport.ParseDestination(job.DestinationURI)
	if parseErr != nil {
		return finalizeFailure(ctx, job, parseErr, opts, logger)
	}

	tr, trErr := opts.TransportFactory(dest)
	if trErr != nil {
		return finalizeFailure(ctx, job, trErr, opts, logger)
	}
	defer tr.Close()

	maxAttempts := opts.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		src, openErr := openSource(job.SourceURI)
		if openErr != nil {
			lastErr = model.NewKindError(model.KindBadInput, openErr)
			break
		}

		if opts.Journal != nil {
			// A retried attempt restarts the copy from byte 0 (spec
			// §4.8 step 4: "reset bytes_transferred to 0"), so any
			// high-water offset the journal recorded for the failed
			// attempt no longer reflects what is on disk. Clear the
			// entry first — Update alone would reject the reset as an
			// offset regression against spec §3 invariant (b).
			if attempt > 1 {
				if jerr := opts.Journal.Complete(job.SourceURI); jerr != nil {
					logger.Warn("journal: failed to clear entry before retry", "source", job.SourceURI, "error", jerr)
				}
			}
			if jerr := opts.Journal.Update(job.SourceURI, job.DestinationURI, 0); jerr != nil {
				logger.Warn("journal: failed to record start", "source", job.SourceURI, "error", jerr)
			}
		}

		streamOpts := transport.StreamOptions{
			RateLimiter: opts.RateLimiter,
			PauseGate:   opts.PauseGate,
			KnownSize:   job.KnownSizeBytes,
			OnProgress: func(copied, total int64, speed float64) {
				if opts.Registry != nil {
					opts.Registry.Progress(job.SourceURI, copied, speed)
				}
				if opts.Journal != nil {
					if jerr := opts.Journal.Update(job.SourceURI, job.DestinationURI, copied); jerr != nil {
						logger.Warn("journal: failed to record progress", "source", job.SourceURI, "error", jerr)
					}
				}
			},
		}

		err := tr.CopyStreamTo(ctx, src, streamOpts)
		src.Close()

		if err == nil {
			succeeded = true
			if opts.Journal != nil {
				if jerr := opts.Journal.Complete(job.SourceURI); jerr != nil {
					logger.Warn("journal: failed to clear entry", "source", job.SourceURI, "error", jerr)
				}
			}
			if opts.Registry != nil {
				opts.Registry.Finish(job.SourceURI, nil)
			}
			if opts.DeleteSrc {
				if rmErr := os.Remove(job.SourceURI); rmErr != nil && !os.IsNotExist(rmErr) {
					logger.Warn("delete_source: failed to remove source", "source", job.SourceURI, "error", rmErr)
				} else {
					removeEmptyAncestors(filepath.Dir(job.SourceURI))
				}
			}
			if opts.OnSettled != nil {
				opts.OnSettled(job, true, job.KnownSizeBytes)
			}
			return nil
		}

		kind := model.Classify(err)
		if kind == model.KindCancellation {
			return err
		}

		lastErr = err
		if !kind.Retryable() || attempt == maxAttempts {
			break
		}

		logger.Warn("retrying copy job", "source", job.SourceURI, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoffUnit):
		}
	}

	return finalizeFailure(ctx, job, lastErr, opts, logger)
}

func finalizeFailure(ctx context.Context, job model.CopyJob, err error, opts Options, logger *slog.Logger) error {
	if opts.Registry != nil {
		opts.Registry.MarkPaused(job.SourceURI, false)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(job, false, 0)
	}
	if opts.StopOnError {
		return err
	}

	if opts.RecoveryStore != nil {
		rec := model.FailedJobRecord{
			Timestamp:      time.Now().UTC(),
			SourceURI:      job.SourceURI,
			DestinationURI: job.DestinationURI,
			FileSizeBytes:  job.KnownSizeBytes,
			ErrorMessage:   err.Error(),
		}
		if logErr := opts.RecoveryStore.LogFailure(rec); logErr != nil {
			logger.Error("failed to record dead letter", "source", job.SourceURI, "error", logErr)
		}
	}
	logger.Error("copy job failed permanently", "source", job.SourceURI, "error", err)
	return nil
}

// removeEmptyAncestors walks upward from dir removing directories left
// empty by delete_source, stopping at the first non-empty directory or
// the filesystem root.
func removeEmptyAncestors(dir string) {
	for {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// openSource is a seam so tests can substitute an in-memory source without
// touching the filesystem.
var openSource = copyengine.OpenSourceFile
