package workerpool

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehudhazan/fastcopy/internal/journal"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/progressreg"
	"github.com/ehudhazan/fastcopy/internal/recovery"
	"github.com/ehudhazan/fastcopy/internal/transport"
)

// fakeTransport lets tests control success/failure without touching a
// filesystem or network.
type fakeTransport struct {
	failTimes int32 // number of CopyStreamTo calls that should fail
	kind      model.Kind
	calls     atomic.Int32
}

func (f *fakeTransport) CopyStreamTo(ctx context.Context, source io.Reader, opts transport.StreamOptions) error {
	n := f.calls.Add(1)
	if n <= f.failTimes {
		return model.NewKindError(f.kind, errors.New("simulated transport failure"))
	}
	_, _ = io.Copy(io.Discard, source)
	return nil
}
func (f *fakeTransport) Close() error { return nil }

// progressThenFailTransport reports progress via OnProgress only on its
// reportProgressOnCall'th invocation, then fails on every call up to and
// including failTimes. This models one attempt that made partial headway
// before a transient error cut it short, followed by a later attempt that
// fails immediately, before making any progress of its own.
type progressThenFailTransport struct {
	failTimes            int32
	kind                 model.Kind
	progressAt           int64
	reportProgressOnCall int32
	calls                atomic.Int32
}

func (f *progressThenFailTransport) CopyStreamTo(ctx context.Context, source io.Reader, opts transport.StreamOptions) error {
	n := f.calls.Add(1)
	if opts.OnProgress != nil && n == f.reportProgressOnCall {
		opts.OnProgress(f.progressAt, -1, 0)
	}
	if n <= f.failTimes {
		return model.NewKindError(f.kind, errors.New("simulated transport failure"))
	}
	_, _ = io.Copy(io.Discard, source)
	return nil
}
func (f *progressThenFailTransport) Close() error { return nil }

func writeTempSource(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	src := writeTempSource(t, "hello world")
	ft := &fakeTransport{}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin", KnownSizeBytes: 11}
	close(jobs)

	reg := progressreg.New()
	err := Run(context.Background(), jobs, Options{
		MaxParallelism:   2,
		MaxRetries:       2,
		Registry:         reg,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ft.calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", ft.calls.Load())
	}
}

func TestRunRetriesRetryableErrorThenSucceeds(t *testing.T) {
	src := writeTempSource(t, "data")
	ft := &fakeTransport{failTimes: 2, kind: model.KindTransientIO}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin"}
	close(jobs)

	store, err := recovery.Open(filepath.Join(t.TempDir(), "recovery.log"), time.Hour)
	if err != nil {
		t.Fatalf("recovery.Open: %v", err)
	}
	defer store.Dispose()

	runErr := Run(context.Background(), jobs, Options{
		MaxParallelism:   1,
		MaxRetries:       3,
		RecoveryStore:    store,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if ft.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", ft.calls.Load())
	}
}

func TestRunRecordsDeadLetterAfterExhaustingRetries(t *testing.T) {
	src := writeTempSource(t, "data")
	ft := &fakeTransport{failTimes: 100, kind: model.KindTransientIO}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin"}
	close(jobs)

	path := filepath.Join(t.TempDir(), "recovery.log")
	store, err := recovery.Open(path, time.Hour)
	if err != nil {
		t.Fatalf("recovery.Open: %v", err)
	}

	runErr := Run(context.Background(), jobs, Options{
		MaxParallelism:   1,
		MaxRetries:       2,
		RecoveryStore:    store,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if ft.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts (max_retries+1), got %d", ft.calls.Load())
	}
	if err := store.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	var count int
	if err := recovery.Read(path, func(model.CopyJob) error { count++; return nil }); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 dead-letter record, got %d", count)
	}
}

func TestRunStopOnErrorPropagatesNonRetryableFailure(t *testing.T) {
	src := writeTempSource(t, "data")
	ft := &fakeTransport{failTimes: 100, kind: model.KindAuth}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin"}
	close(jobs)

	runErr := Run(context.Background(), jobs, Options{
		MaxParallelism:   1,
		MaxRetries:       2,
		StopOnError:      true,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if runErr == nil {
		t.Fatalf("expected error propagated with stop_on_error set")
	}
	if ft.calls.Load() != 1 {
		t.Fatalf("expected non-retryable error to stop after 1 attempt, got %d calls", ft.calls.Load())
	}
}

func TestRunHonorsWatchdogCeiling(t *testing.T) {
	const ceiling = 1
	cw := &fixedCeiling{value: ceiling}

	var maxObserved atomic.Int32
	var current atomic.Int32
	ft := &observingTransport{
		before: func() {
			n := current.Add(1)
			for {
				max := maxObserved.Load()
				if n <= max || maxObserved.CompareAndSwap(max, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		},
	}

	jobs := make(chan model.CopyJob, 5)
	for i := 0; i < 5; i++ {
		jobs <- model.CopyJob{SourceURI: writeTempSource(t, "x"), DestinationURI: "/tmp/out.bin"}
	}
	close(jobs)

	err := Run(context.Background(), jobs, Options{
		MaxParallelism:   4,
		Watchdog:         cw,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if maxObserved.Load() > ceiling {
		t.Fatalf("observed %d concurrent jobs, want <= %d", maxObserved.Load(), ceiling)
	}
}

func TestRunCallsOnSettledForSuccessAndFailure(t *testing.T) {
	okSrc := writeTempSource(t, "ok")
	failSrc := writeTempSource(t, "bad")

	jobs := make(chan model.CopyJob, 2)
	jobs <- model.CopyJob{SourceURI: okSrc, DestinationURI: "/tmp/ok.bin", KnownSizeBytes: 2}
	jobs <- model.CopyJob{SourceURI: failSrc, DestinationURI: "/tmp/fail.bin"}
	close(jobs)

	var settledOK, settledFail atomic.Int32
	err := Run(context.Background(), jobs, Options{
		MaxParallelism: 2,
		MaxRetries:     0,
		TransportFactory: func(dest transport.ParsedDestination) (transport.Transport, error) {
			if dest.Path == "/tmp/fail.bin" {
				return &fakeTransport{failTimes: 100, kind: model.KindAuth}, nil
			}
			return &fakeTransport{}, nil
		},
		OnSettled: func(job model.CopyJob, ok bool, size int64) {
			if ok {
				settledOK.Add(1)
			} else {
				settledFail.Add(1)
			}
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if settledOK.Load() != 1 || settledFail.Load() != 1 {
		t.Fatalf("expected 1 success and 1 failure settlement, got ok=%d fail=%d", settledOK.Load(), settledFail.Load())
	}
}

func TestRunDeleteSourceRemovesFileOnSuccess(t *testing.T) {
	src := writeTempSource(t, "delete me")
	ft := &fakeTransport{}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin", KnownSizeBytes: 9}
	close(jobs)

	err := Run(context.Background(), jobs, Options{
		MaxParallelism:   1,
		DeleteSrc:        true,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, statErr := os.Stat(src); !os.IsNotExist(statErr) {
		t.Fatalf("expected source file to be removed, stat err: %v", statErr)
	}
}

// TestRunRetryResetsJournalOffsetAcrossAttempts guards against a regression
// where a retried attempt's reset-to-0 Journal.Update call (spec §4.8 step
// 4) was rejected as an offset regression against the high-water offset
// the failed first attempt had already recorded, leaving the journal
// reporting a last_offset far ahead of what is actually on disk for the
// (re-attempted) destination (spec §3 invariant (b), §8 scenario 5).
//
// The first attempt reports substantial progress before failing; the
// second (and final, since max_retries=1) attempt fails immediately,
// before reporting any progress of its own. Without the fix, the second
// attempt's reset-to-0 call is rejected as a regression against the first
// attempt's high-water mark and silently dropped, leaving the journal
// entry stuck at the stale offset; with the fix, the entry reads back 0.
func TestRunRetryResetsJournalOffsetAcrossAttempts(t *testing.T) {
	src := writeTempSource(t, "data")
	ft := &progressThenFailTransport{
		failTimes:            2,
		kind:                 model.KindTransientIO,
		progressAt:           1 << 20,
		reportProgressOnCall: 1,
	}
	jobs := make(chan model.CopyJob, 1)
	jobs <- model.CopyJob{SourceURI: src, DestinationURI: "/tmp/out.bin"}
	close(jobs)

	j, err := journal.Open(filepath.Join(t.TempDir(), "fastcopy.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Dispose()

	runErr := Run(context.Background(), jobs, Options{
		MaxParallelism:   1,
		MaxRetries:       1,
		Journal:          j,
		TransportFactory: func(transport.ParsedDestination) (transport.Transport, error) { return ft, nil },
	})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if ft.calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", ft.calls.Load())
	}

	entries, err := j.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one in-flight journal entry after retries exhaust, got %+v", entries)
	}
	if entries[0].LastOffset != 0 {
		t.Fatalf("expected journal entry reset to offset 0 for the final attempt, got %d (stale high-water mark from a failed earlier attempt)", entries[0].LastOffset)
	}
}

type fixedCeiling struct{ value int }

func (f *fixedCeiling) Ceiling() int { return f.value }

type observingTransport struct{ before func() }

func (o *observingTransport) CopyStreamTo(ctx context.Context, source io.Reader, opts transport.StreamOptions) error {
	o.before()
	_, _ = io.Copy(io.Discard, source)
	return nil
}
func (o *observingTransport) Close() error { return nil }
