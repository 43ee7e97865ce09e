package journal

import (
	"path/filepath"
	"strconv"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fastcopy.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Dispose() })
	return j
}

func TestUpdateThenCompleteClearsEntry(t *testing.T) {
	j := openTestJournal(t)

	if err := j.Update("/src/a.bin", "a.bin", 1024); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := j.Complete("/src/a.bin"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	entries, err := j.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	for _, e := range entries {
		if e.Fingerprint == Fingerprint("/src/a.bin") {
			t.Fatalf("completed entry still present after Resume")
		}
	}
}

func TestResumeYieldsInFlightEntry(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Update("/src/big.bin", "big.bin", 204_000_000); err != nil {
		t.Fatalf("Update: %v", err)
	}

	entries, err := j.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LastOffset != 204_000_000 {
		t.Fatalf("last offset = %d, want 204000000", entries[0].LastOffset)
	}
	if entries[0].TargetName != "big.bin" {
		t.Fatalf("target = %q, want big.bin", entries[0].TargetName)
	}
}

func TestFileLengthAlwaysMultipleOfRecordSize(t *testing.T) {
	j := openTestJournal(t)
	for i := 0; i < 5000; i++ {
		src := filepath.Join("/src", string(rune('a'+i%26)), strconv.Itoa(i))
		if err := j.Update(src, "t", int64(i)); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}

	j.mu.Lock()
	size := int64(len(j.mapping))
	j.mu.Unlock()

	if size%RecordSize != 0 {
		t.Fatalf("journal size %d is not a multiple of %d", size, RecordSize)
	}
}

func TestUpdateUpsertsSameFingerprint(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Update("/src/a.bin", "a.bin", 10); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := j.Update("/src/a.bin", "a.bin", 20); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("expected single entry after upsert, got %d", j.Len())
	}
}

func TestUpdateRejectsOffsetRegression(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Update("/src/a.bin", "a.bin", 100); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := j.Update("/src/a.bin", "a.bin", 50); err == nil {
		t.Fatalf("expected rejection of offset regression")
	}
}

func TestGrowthAllocatesFreeSlots(t *testing.T) {
	j := openTestJournal(t)
	initialSlots := j.slots

	n := initialSlots + 10
	for i := 0; i < n; i++ {
		src := filepath.Join("/src", strconv.Itoa(i))
		if err := j.Update(src, "t", 0); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	if j.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, j.Len())
	}
	if j.slots <= initialSlots {
		t.Fatalf("journal did not grow: slots=%d initial=%d", j.slots, initialSlots)
	}
}

func TestResumeAfterReopenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fastcopy.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Update("/src/a.bin", "a.bin", 42); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := j.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Dispose()

	entries, err := j2.Resume()
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(entries) != 1 || entries[0].LastOffset != 42 {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
}

