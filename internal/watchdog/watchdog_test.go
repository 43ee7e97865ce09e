package watchdog

import (
	"context"
	"testing"
	"time"
)

func TestNewReportsInitialCeiling(t *testing.T) {
	w, err := New(4, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := w.Ceiling(); got != 4 {
		t.Fatalf("Ceiling() = %d, want 4", got)
	}
	if snap := w.Snapshot(); snap.CurrentParallelismCeiling != 4 {
		t.Fatalf("initial snapshot ceiling = %d, want 4", snap.CurrentParallelismCeiling)
	}
}

func TestNewClampsCeilingToOne(t *testing.T) {
	w, err := New(0, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := w.Ceiling(); got != 1 {
		t.Fatalf("Ceiling() = %d, want 1", got)
	}
}

func TestZeroMemoryCapNeverThrottles(t *testing.T) {
	w, err := New(4, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.sample()
	if snap := w.Snapshot(); snap.Throttled {
		t.Fatalf("expected no throttling with a zero memory cap")
	}
	if w.Ceiling() != 4 {
		t.Fatalf("ceiling changed despite a zero memory cap: %d", w.Ceiling())
	}
}

func TestSampleThrottlesBelowTinyMemoryCap(t *testing.T) {
	// A 1-byte cap is certain to be exceeded by this test process, so
	// sample() should immediately scale the ceiling down.
	w, err := New(4, 1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.sample()
	if got := w.Ceiling(); got >= 4 {
		t.Fatalf("expected ceiling to shrink under a 1-byte cap, got %d", got)
	}
	if snap := w.Snapshot(); !snap.Throttled {
		t.Fatalf("expected Snapshot().Throttled to be true")
	}
}

func TestRunSamplesUntilContextCancelled(t *testing.T) {
	w, err := New(2, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*SampleInterval+200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after its context was done")
	}
}

func TestStopHaltsRun(t *testing.T) {
	w, err := New(2, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
