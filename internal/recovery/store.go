// Package recovery implements the failed-job recovery store (spec §4.7,
// C7): an append-only, timestamp-named record stream that a retry run can
// replay as a Job Producer.
//
// Grounded on the teacher's internal/logging.NewSessionLogger, which opens
// one timestamped file per run and buffers writes; the recovery store
// applies the same "buffered writer, timer-flushed, flushed-again on
// disposal" discipline but to a self-delimited JSON-lines record instead
// of slog records, per spec §6 ("one self-delimited textual record per
// line").
package recovery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ehudhazan/fastcopy/internal/model"
)

// DefaultFlushInterval is the timer period spec §4.7 names for the
// buffered writer.
const DefaultFlushInterval = 5 * time.Second

// Store is a thread-safe append-only recovery log for one run.
type Store struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	path     string
	stopTick chan struct{}
	wg       sync.WaitGroup
}

// Open opens the recovery store file at path for appending, creating it
// if it does not exist (callers typically
// derive path from a timestamp + run ID, per spec §6) and starts its
// periodic flush timer.
func Open(path string, flushInterval time.Duration) (*Store, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recovery: opening %s: %w", path, err)
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	s := &Store{
		file:     f,
		writer:   bufio.NewWriter(f),
		path:     path,
		stopTick: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runFlushTimer(flushInterval)
	return s, nil
}

func (s *Store) runFlushTimer(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-ticker.C:
			_ = s.Flush()
		}
	}
}

// record is the on-disk shape of a FailedJobRecord, matching spec §6's
// named fields exactly (timestamp, job.{source,destination,fileSize},
// exceptionMessage).
type record struct {
	Timestamp        time.Time `json:"timestamp"`
	Source           string    `json:"source"`
	Destination      string    `json:"destination"`
	FileSize         int64     `json:"fileSize"`
	ExceptionMessage string    `json:"exceptionMessage"`
	Trace            string    `json:"trace,omitempty"`
}

// LogFailure appends rec as one self-delimited JSON object followed by a
// newline. Thread-safe; non-blocking beyond serializing the append itself
// (the timer, not the caller, forces durability).
func (s *Store) LogFailure(rec model.FailedJobRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	line, err := json.Marshal(record{
		Timestamp:        ts,
		Source:           rec.SourceURI,
		Destination:      rec.DestinationURI,
		FileSize:         rec.FileSizeBytes,
		ExceptionMessage: rec.ErrorMessage,
		Trace:            rec.Trace,
	})
	if err != nil {
		return fmt.Errorf("recovery: encoding record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(line); err != nil {
		return fmt.Errorf("recovery: writing record: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("recovery: writing record terminator: %w", err)
	}
	return nil
}

// Flush forces durability of any buffered records.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("recovery: flush: %w", err)
	}
	return s.file.Sync()
}

// Dispose stops the flush timer, flushes, and closes the file. Per spec
// §7, disposal errors are the Controller's to swallow after a best-effort
// flush; Dispose still reports them so it can.
func (s *Store) Dispose() error {
	close(s.stopTick)
	s.wg.Wait()

	flushErr := s.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Path returns the file path backing this store, surfaced in the run
// summary (spec §7 "the path to the Recovery Store").
func (s *Store) Path() string {
	return s.path
}

// Read lazily replays path as a sequence of CopyJob, yielding one job per
// call to fn until the file is exhausted or fn returns an error. Intended
// as the Job Producer for a retry run (spec §4.7, §7).
func Read(path string, fn func(model.CopyJob) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("recovery: opening %s for replay: %w", path, err)
	}
	defer f.Close()

	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("recovery: decoding record: %w", err)
		}
		job := model.CopyJob{
			SourceURI:      rec.Source,
			DestinationURI: rec.Destination,
			KnownSizeBytes: rec.FileSize,
		}
		if err := fn(job); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("recovery: reading %s: %w", path, err)
	}
	return nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return s
}
