// Command fastcopy is the composition root: it loads a RunConfig, wires
// the Controller's collaborators, and drives a single run to completion.
// The flag surface, interactive dashboard, and streaming-server
// collaborator are out of scope (spec.md §1 Non-goals); this binary only
// exists to give the core an embeddable entry point, in the same spirit
// as the teacher's cmd/nbackup-agent and cmd/nbackup-server mains.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ehudhazan/fastcopy/internal/config"
	"github.com/ehudhazan/fastcopy/internal/controller"
	"github.com/ehudhazan/fastcopy/internal/logging"
	"github.com/ehudhazan/fastcopy/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/fastcopy/config.yaml", "path to the run configuration file")
	journalPath := flag.String("journal", "fastcopy.journal", "path to the crash-resumable journal file")
	traceDir := flag.String("trace-dir", "", "directory for per-job debug traces of retried/failed jobs (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fastcopy: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn("received shutdown signal, cancelling run")
		cancel()
	}()

	ctrl := controller.New(logger)
	opts := controller.Options{
		SingleFileSource:      cfg.Job.Source,
		SingleFileDestination: cfg.Job.Destination,
		DirectorySource:       cfg.Job.SourceDir,
		DirectoryDestination:  cfg.Job.DestinationDir,
		DirectoryExcludes:     cfg.Job.Exclude,
		JobListPath:           cfg.Job.JobListFile,

		DryRun:       cfg.Job.DryRun,
		DeleteSource: cfg.Job.DeleteSource,

		RateLimitBytesPerSecond: cfg.Transfer.RateLimitRaw,
		MaxParallelism:          cfg.Transfer.MaxParallelism,
		MaxRetries:              cfg.Retry.MaxRetries,
		StopOnError:             cfg.Retry.StopOnError,

		WatchdogMaxMemoryBytes: uint64(cfg.Watchdog.MaxMemoryRaw),

		RecoveryStorePath: cfg.Recovery.Path,
		JournalPath:       *journalPath,
		TraceDir:          *traceDir,

		TransportFactoryConfig: transport.FactoryConfig{
			SFTPAuth: transport.AuthConfig{
				KeyFile:         cfg.Transfer.SFTPKeyFile,
				Password:        cfg.Transfer.SFTPPassword,
				TrustAnyHostKey: cfg.Transfer.SFTPTrustAnyHost,
			},
			KubeconfigPath: cfg.Transfer.KubeconfigPath,
		},

		Logger: logger,
	}

	if cfg.RetrySync.Enabled {
		opts.RetrySweepSchedule = cfg.RetrySync.Schedule
	}

	if cfg.Job.OnCompletionCmd != "" {
		cmdline := cfg.Job.OnCompletionCmd
		opts.OnCompletion = func(controller.Summary) error {
			return runShell(cmdline)
		}
	}

	summary, err := ctrl.Run(ctx, opts)
	logger.Info("run finished",
		"completed", summary.Completed,
		"failed", summary.Failed,
		"bytes_transferred", summary.BytesTransferred,
		"duration", summary.Duration,
		"recovery_store", summary.RecoveryStorePath,
	)
	if err != nil {
		if ctx.Err() != nil {
			logger.Error("run cancelled", "error", err)
			os.Exit(130)
		}
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}
