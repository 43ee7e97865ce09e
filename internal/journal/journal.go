// Package journal implements the crash-resumable record store (spec §4.6,
// C6): a fixed-capacity memory-mapped file of 528-byte records mapping a
// source fingerprint to (target name, last successful offset).
//
// The teacher codebase has no on-disk journal of its own — its resume
// story lives entirely in the in-memory RingBuffer plus a SACK protocol
// over an open connection. Spec §9 explicitly calls out "memory-mapped
// journal with pointer-free fixed records" as a pattern requiring its own
// implementation, grounded on github.com/edsrzf/mmap-go (present in the
// reference corpus via the dolthub/dolt and perkeep manifests, both of
// which mmap fixed-layout files for exactly this reason: O(1) record
// access without a parsing pass).
package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	mmap "github.com/edsrzf/mmap-go"
)

// RecordSize is the fixed on-disk record layout: 8B fingerprint (LE
// uint64) + 8B offset (LE int64) + 512B NUL-padded UTF-8 target name.
const RecordSize = 528

const (
	offFingerprint = 0
	offOffset      = 8
	offTarget      = 16
	targetLen      = 512
)

// growthIncrement is the nominal growth step (1 MiB) used whenever no
// free slot remains, per spec §4.6.
const growthIncrement = 1 << 20 // 1 MiB

const recordsPerGrowth = growthIncrement / RecordSize

// growthBytes is growthIncrement rounded down to whole records
// (1985 × 528 = 1,048,080 bytes), the amount the file is actually created
// with and grown by, so its length stays a multiple of RecordSize.
const growthBytes = recordsPerGrowth * RecordSize

// Entry is a decoded journal record.
type Entry struct {
	Fingerprint uint64
	TargetName  string
	LastOffset  int64
}

// Fingerprint hashes a source URI into the 64-bit key used as the journal
// index, per spec §3/Glossary.
func Fingerprint(sourceURI string) uint64 {
	return xxhash.Sum64String(sourceURI)
}

// Journal is a fixed-record memory-mapped file. All public operations are
// serialized by a single mutex, per spec §4.6 ("All public operations are
// serialized by a single lock").
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	mapping  mmap.MMap
	index    map[uint64]int // fingerprint -> slot index
	freeList []int
	slots    int // total slots currently mapped
}

// Open opens (creating if necessary) the journal file at path, maps it,
// and scans existing records into the in-memory index. It does not itself
// return the resumable entries; call Resume for that.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	j := &Journal{path: path, file: f, index: make(map[uint64]int)}
	if err := j.remapLocked(); err != nil {
		f.Close()
		return nil, err
	}
	j.rebuildIndexLocked()
	return j, nil
}

// remapLocked (re)maps the file's current contents. The caller must hold
// mu or be constructing the Journal (no concurrent access possible yet).
func (j *Journal) remapLocked() error {
	if j.mapping != nil {
		if err := j.mapping.Unmap(); err != nil {
			return fmt.Errorf("journal: unmapping: %w", err)
		}
		j.mapping = nil
	}

	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		if err := j.file.Truncate(growthBytes); err != nil {
			return fmt.Errorf("journal: initial truncate: %w", err)
		}
		size = growthBytes
	}
	if size%RecordSize != 0 {
		return fmt.Errorf("journal: file size %d not a multiple of record size %d", size, RecordSize)
	}

	m, err := mmap.Map(j.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("journal: mmap: %w", err)
	}
	j.mapping = m
	j.slots = int(size / RecordSize)
	return nil
}

// rebuildIndexLocked scans every slot and rebuilds the fingerprint index
// and free list from scratch. Used on Open.
func (j *Journal) rebuildIndexLocked() {
	j.index = make(map[uint64]int, j.slots)
	j.freeList = j.freeList[:0]
	for i := 0; i < j.slots; i++ {
		fp := j.readFingerprint(i)
		if fp == 0 {
			j.freeList = append(j.freeList, i)
			continue
		}
		j.index[fp] = i
	}
}

func (j *Journal) slotOffset(i int) int {
	return i * RecordSize
}

func (j *Journal) readFingerprint(i int) uint64 {
	off := j.slotOffset(i)
	return binary.LittleEndian.Uint64(j.mapping[off+offFingerprint : off+offOffset])
}

func (j *Journal) readRecord(i int) Entry {
	off := j.slotOffset(i)
	fp := binary.LittleEndian.Uint64(j.mapping[off+offFingerprint : off+offOffset])
	lastOffset := int64(binary.LittleEndian.Uint64(j.mapping[off+offOffset : off+offTarget]))
	nameBytes := j.mapping[off+offTarget : off+offTarget+targetLen]
	name := decodeName(nameBytes)
	return Entry{Fingerprint: fp, LastOffset: lastOffset, TargetName: name}
}

func decodeName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (j *Journal) writeRecord(i int, fp uint64, lastOffset int64, target string) error {
	if len(target) > targetLen {
		return fmt.Errorf("journal: target name %q exceeds %d bytes", target, targetLen)
	}
	off := j.slotOffset(i)
	binary.LittleEndian.PutUint64(j.mapping[off+offFingerprint:off+offOffset], fp)
	binary.LittleEndian.PutUint64(j.mapping[off+offOffset:off+offTarget], uint64(lastOffset))
	nameField := j.mapping[off+offTarget : off+offTarget+targetLen]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, target)
	return nil
}

func (j *Journal) clearRecord(i int) {
	off := j.slotOffset(i)
	for k := off; k < off+RecordSize; k++ {
		j.mapping[k] = 0
	}
}

// Resume reads the file at start-up and returns every in-flight entry:
// any slot whose fingerprint is non-zero was mid-transfer when the
// process last stopped. Per spec §4.6/§9, last_offset is advisory
// metadata — callers decide for themselves whether to resume from it or
// restart the job from scratch.
func (j *Journal) Resume() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries := make([]Entry, 0, len(j.index))
	for _, slot := range j.index {
		entries = append(entries, j.readRecord(slot))
	}
	return entries, nil
}

// Update upserts the journal entry for sourcePath: (target, offset).
// Offsets must be monotonically non-decreasing per entry until cleared
// (spec §3 invariant (b)); a regression is rejected rather than silently
// accepted; callers retrying from scratch should call Complete first.
func (j *Journal) Update(sourcePath, targetName string, offset int64) error {
	fp := Fingerprint(sourcePath)

	j.mu.Lock()
	defer j.mu.Unlock()

	if slot, ok := j.index[fp]; ok {
		existing := j.readRecord(slot)
		if offset < existing.LastOffset {
			return fmt.Errorf("journal: offset regression for %q: %d < %d", sourcePath, offset, existing.LastOffset)
		}
		return j.writeRecord(slot, fp, offset, targetName)
	}

	slot, err := j.allocSlotLocked()
	if err != nil {
		return err
	}
	if err := j.writeRecord(slot, fp, offset, targetName); err != nil {
		return err
	}
	j.index[fp] = slot
	return nil
}

// Complete clears the journal entry for sourcePath. After Update(h, t, o)
// followed by Complete(h), Resume must not yield h (spec §8).
func (j *Journal) Complete(sourcePath string) error {
	fp := Fingerprint(sourcePath)

	j.mu.Lock()
	defer j.mu.Unlock()

	slot, ok := j.index[fp]
	if !ok {
		return nil
	}
	j.clearRecord(slot)
	delete(j.index, fp)
	j.freeList = append(j.freeList, slot)
	return nil
}

// allocSlotLocked returns a free slot index, growing the file by
// growthBytes (just under one megabyte) if none exists. Caller must hold mu.
func (j *Journal) allocSlotLocked() (int, error) {
	if len(j.freeList) == 0 {
		if err := j.growLocked(); err != nil {
			return 0, err
		}
	}
	n := len(j.freeList)
	slot := j.freeList[n-1]
	j.freeList = j.freeList[:n-1]
	return slot, nil
}

// growLocked extends the file by growthBytes bytes, re-maps it, and
// appends the new slot range to the free list.
func (j *Journal) growLocked() error {
	oldSlots := j.slots
	if err := j.mapping.Unmap(); err != nil {
		return fmt.Errorf("journal: unmapping before growth: %w", err)
	}
	j.mapping = nil

	info, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat before growth: %w", err)
	}
	newSize := info.Size() + growthBytes
	if err := j.file.Truncate(newSize); err != nil {
		return fmt.Errorf("journal: growing file: %w", err)
	}

	m, err := mmap.Map(j.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("journal: remapping after growth: %w", err)
	}
	j.mapping = m
	j.slots = int(newSize / RecordSize)

	for i := oldSlots; i < j.slots; i++ {
		j.freeList = append(j.freeList, i)
	}
	return nil
}

// Flush durably writes pending records to disk.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mapping == nil {
		return nil
	}
	if err := j.mapping.Flush(); err != nil {
		return fmt.Errorf("journal: flush: %w", err)
	}
	return nil
}

// Dispose flushes and releases the mapping and file handle. Disposal
// errors are the caller's to log; spec §7 says they should be swallowed
// after a best-effort flush at the Controller layer, but Dispose itself
// still reports them so the Controller can decide.
func (j *Journal) Dispose() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var flushErr error
	if j.mapping != nil {
		flushErr = j.mapping.Flush()
		if unmapErr := j.mapping.Unmap(); unmapErr != nil && flushErr == nil {
			flushErr = unmapErr
		}
		j.mapping = nil
	}
	closeErr := j.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Len returns the number of in-flight entries currently tracked, for
// tests and diagnostics.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.index)
}
