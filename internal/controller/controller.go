// Package controller composes the Rate Limiter, Pause Gate, Resource
// Watchdog, Job Producer, Worker Pool, Progress Registry, Recovery Store
// and Journal into the single entry point an embedder drives: Run
// launches one pass over a job source and returns a Summary once every
// job has either completed, failed permanently, or been recorded for
// retry.
//
// Grounded on the teacher's agent.RunBackup/daemon.Scheduler composition
// shape — a producer goroutine feeding a pipeline, a result struct
// accumulated as the pipeline drains, and a control surface the caller
// can reach into mid-run — generalized from "one TLS session per backup
// entry" to "one worker-pool run per CopyJob source", and from the
// teacher's protocol-bound ControlChannel to three plain Go channels
// (pause, rate limit, parallelism) since FastCopy has no remote control
// plane to model.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ehudhazan/fastcopy/internal/journal"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/pausegate"
	"github.com/ehudhazan/fastcopy/internal/producer"
	"github.com/ehudhazan/fastcopy/internal/progressreg"
	"github.com/ehudhazan/fastcopy/internal/ratelimit"
	"github.com/ehudhazan/fastcopy/internal/recovery"
	"github.com/ehudhazan/fastcopy/internal/transport"
	"github.com/ehudhazan/fastcopy/internal/watchdog"
	"github.com/ehudhazan/fastcopy/internal/workerpool"
)

// Summary is what Run returns once a pass over the job source has fully
// drained: counts, byte totals, and where the Recovery Store (if any
// jobs were dead-lettered) can be read back from.
type Summary struct {
	Completed         int
	Failed            int
	BytesTransferred  int64
	Duration          time.Duration
	RecoveryStorePath string
}

// FinalizeHook is invoked once after Run's pipeline has fully drained,
// before Run returns, with the Summary it is about to return. A non-nil
// error from the hook is logged but does not change Run's own result —
// the hook is an extension point (e.g. emit a notification), not a gate
// on success.
type FinalizeHook func(Summary) error

// Options configures a single Run. Only one of SingleFile, Directory, or
// JobListPath may be set; it selects which producer.Producer builds the
// job stream.
type Options struct {
	// Job source selection (exactly one required).
	SingleFileSource, SingleFileDestination string
	DirectorySource, DirectoryDestination   string
	DirectoryExcludes                       []string
	JobListPath                             string

	// RetrySweepSchedule, if set (a standard cron expression), makes this
	// run a retry run: the job source is RecoveryStorePath replayed on the
	// given schedule instead of a single-file/directory/job-list source
	// (spec §7: "a retry run is a normal run whose Job Producer is the
	// Recovery Store reader"). Mutually exclusive with the other three
	// job-source fields; requires RecoveryStorePath to name an existing
	// recovery store from a previous run.
	RetrySweepSchedule string

	// DryRun logs every planned (source, destination) pair through the
	// Progress Registry as an immediately Completed, zero-byte entry,
	// without invoking any Transport. Useful for previewing a run's
	// scope before committing to it.
	DryRun bool

	// DeleteSource removes a job's source file as soon as its copy
	// succeeds (never on failure), then removes its parent directory and
	// each further ancestor left empty, bottom-up, stopping at the first
	// non-empty directory. The walk is not bounded by the source root
	// and applies in every job-source mode.
	DeleteSource bool

	RateLimitBytesPerSecond int64 // 0 = unlimited
	MaxParallelism          int
	MaxRetries              int
	StopOnError             bool

	WatchdogMaxMemoryBytes uint64 // 0 disables the watchdog ceiling entirely

	RecoveryStorePath    string
	RecoveryFlushInterval time.Duration

	// JournalPath, if set, opens a crash-resumable journal (C6) for this
	// run: every job's destination and last acknowledged offset are
	// recorded before the journal entry is cleared on success.
	JournalPath string

	// TraceDir, if set, captures a per-job debug trace file for any job
	// that needs a retry or is dead-lettered; see workerpool.Options.TraceDir.
	TraceDir string

	TransportFactoryConfig transport.FactoryConfig

	Logger *slog.Logger

	// FinalizeHook is called once the run drains; see FinalizeHook.
	OnCompletion FinalizeHook

	// Control channels an embedder can hold onto and send into while Run
	// is in flight. All three are optional; a nil channel is simply
	// never read from.
	PauseToggle      <-chan struct{}
	RateLimitUpdates <-chan int64
	ParallelismDelta <-chan int
}

// Controller owns the long-lived collaborators (rate limiter, pause
// gate, watchdog) that persist across a Run call, so an embedder that
// wants to keep adjusting them between runs can hold onto one
// Controller instance rather than re-threading options each time.
type Controller struct {
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
	pauseGate   *pausegate.Gate
}

// New constructs a Controller with a fresh rate limiter and pause gate.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	limiter, _ := ratelimit.New(0) // 0 = unlimited; Run applies opts' limit below
	return &Controller{
		logger:      logger,
		rateLimiter: limiter,
		pauseGate:   pausegate.New(),
	}
}

// Run drives one pass over the job source described by opts to
// completion, fanning jobs out through the worker pool and collecting a
// Summary. It blocks until the job source is exhausted and every in-
// flight job has settled, or ctx is cancelled.
func (c *Controller) Run(ctx context.Context, opts Options) (Summary, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}

	if err := c.rateLimiter.SetLimit(opts.RateLimitBytesPerSecond); err != nil {
		return Summary{}, fmt.Errorf("controller: applying rate limit: %w", err)
	}

	prod, err := buildProducer(opts)
	if err != nil {
		return Summary{}, err
	}

	var store *recovery.Store
	if opts.RecoveryStorePath != "" {
		interval := opts.RecoveryFlushInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		store, err = recovery.Open(opts.RecoveryStorePath, interval)
		if err != nil {
			return Summary{}, fmt.Errorf("controller: opening recovery store: %w", err)
		}
		defer store.Dispose()
	}

	var jrnl *journal.Journal
	if opts.JournalPath != "" {
		jrnl, err = journal.Open(opts.JournalPath)
		if err != nil {
			return Summary{}, fmt.Errorf("controller: opening journal: %w", err)
		}
		defer jrnl.Dispose()
	}

	maxParallelism := opts.MaxParallelism
	if maxParallelism <= 0 {
		maxParallelism = 1
	}

	var ceiling workerpool.Ceiling
	if opts.WatchdogMaxMemoryBytes > 0 {
		wd, err := watchdog.New(maxParallelism, opts.WatchdogMaxMemoryBytes, logger)
		if err != nil {
			logger.Warn("controller: watchdog unavailable, running without a ceiling", "error", err)
		} else {
			wdCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go wd.Run(wdCtx)
			defer wd.Stop()
			ceiling = wd
		}
	}

	registry := progressreg.New()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pumpControls(runCtx, opts)
	}()

	jobs := make(chan model.CopyJob, maxParallelism*2)
	producerErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		producerErr <- prod.Run(runCtx, jobs)
	}()

	var completed, failed int
	var bytesTransferred int64
	var tally sync.Mutex
	tallyProducer := func(job model.CopyJob, ok bool, size int64) {
		tally.Lock()
		defer tally.Unlock()
		if ok {
			completed++
			bytesTransferred += size
		} else {
			failed++
		}
	}

	var poolErr error
	if opts.DryRun {
		poolErr = runDryRun(runCtx, jobs, registry, tallyProducer)
	} else {
		poolErr = workerpool.Run(runCtx, jobs, workerpool.Options{
			MaxParallelism: maxParallelism,
			MaxRetries:     opts.MaxRetries,
			StopOnError:    opts.StopOnError,
			PauseGate:      c.pauseGate,
			RateLimiter:    c.rateLimiter,
			Watchdog:       ceiling,
			Registry:       registry,
			RecoveryStore:  store,
			Journal:        jrnl,
			TraceDir:       opts.TraceDir,
			TransportFactory: func(dest transport.ParsedDestination) (transport.Transport, error) {
				return transport.New(dest, opts.TransportFactoryConfig)
			},
			Logger:     logger,
			OnSettled:  tallyProducer,
			DeleteSrc:  opts.DeleteSource,
		})
	}

	cancelRun()
	wg.Wait()

	if err := <-producerErr; err != nil && runCtx.Err() == nil {
		logger.Error("job producer failed", "error", err)
	}

	summary := Summary{
		Completed:        completed,
		Failed:           failed,
		BytesTransferred: bytesTransferred,
		Duration:         time.Since(start),
	}
	if store != nil {
		summary.RecoveryStorePath = store.Path()
	}

	if opts.OnCompletion != nil {
		if err := opts.OnCompletion(summary); err != nil {
			logger.Warn("on-completion hook failed", "error", err)
		}
	}

	if poolErr != nil {
		return summary, poolErr
	}
	return summary, nil
}

// pumpControls forwards opts' control channels into the Controller's
// long-lived rate limiter and pause gate for the duration of ctx.
func (c *Controller) pumpControls(ctx context.Context, opts Options) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opts.PauseToggle:
			if !ok {
				opts.PauseToggle = nil
				continue
			}
			c.pauseGate.Toggle()
		case limit, ok := <-opts.RateLimitUpdates:
			if !ok {
				opts.RateLimitUpdates = nil
				continue
			}
			if err := c.rateLimiter.SetLimit(limit); err != nil {
				c.logger.Warn("rejected rate limit update", "limit", limit, "error", err)
			}
		case <-opts.ParallelismDelta:
			// Parallelism is observed through the watchdog ceiling
			// rather than mutated directly; see Open Questions.
		}
	}
}

func buildProducer(opts Options) (producer.Producer, error) {
	switch {
	case opts.RetrySweepSchedule != "":
		if opts.RecoveryStorePath == "" {
			return nil, model.NewKindError(model.KindBadInput, fmt.Errorf("controller: retry sweep requires RecoveryStorePath"))
		}
		return &producer.RetrySweep{
			Schedule:          opts.RetrySweepSchedule,
			RecoveryStorePath: func() string { return opts.RecoveryStorePath },
			Logger:            opts.Logger,
		}, nil
	case opts.SingleFileSource != "":
		return producer.SingleFile{SourcePath: opts.SingleFileSource, DestinationPath: opts.SingleFileDestination}, nil
	case opts.DirectorySource != "":
		return producer.Directory{
			SourceRoot:      opts.DirectorySource,
			DestinationRoot: opts.DirectoryDestination,
			Excludes:        opts.DirectoryExcludes,
		}, nil
	case opts.JobListPath != "":
		f, err := os.Open(opts.JobListPath)
		if err != nil {
			return nil, model.NewKindError(model.KindBadInput, fmt.Errorf("controller: opening job list %s: %w", opts.JobListPath, err))
		}
		return &fileBackedJobList{file: f}, nil
	default:
		return nil, model.NewKindError(model.KindBadInput, fmt.Errorf("controller: no job source configured"))
	}
}

// fileBackedJobList owns the *os.File behind a producer.JobList so Run
// can close it once the producer is done without the caller having to
// manage that lifetime.
type fileBackedJobList struct {
	file *os.File
}

func (f *fileBackedJobList) Run(ctx context.Context, out chan<- model.CopyJob) error {
	defer f.file.Close()
	return producer.JobList{Reader: f.file}.Run(ctx, out)
}

// runDryRun stands in for the worker pool when Options.DryRun is set: it
// registers and immediately finishes every job as Completed with zero
// bytes moved, without ever constructing a Transport.
func runDryRun(ctx context.Context, jobs <-chan model.CopyJob, registry *progressreg.Registry, onSettled func(model.CopyJob, bool, int64)) error {
	for {
		select {
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			registry.Start(job)
			registry.Finish(job.SourceURI, nil)
			onSettled(job, true, 0)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
