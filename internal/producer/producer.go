// Package producer implements the Job Producer (spec §4.10, C10): turns a
// single file, a directory tree, or an external job list into a lazily
// produced, backpressured stream of CopyJob.
//
// Grounded on the teacher's internal/agent.Scanner for directory
// enumeration (filepath.WalkDir plus glob-based excludes), generalized
// from "collect FileEntry for the tar pipeline" to "emit one CopyJob per
// file with destination_root joined to the relative path" per spec
// §4.10(b).
package producer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ehudhazan/fastcopy/internal/model"
)

// Producer emits CopyJob values onto out until exhausted or ctx is done,
// then closes nothing itself — the caller owns the channel's lifetime and
// closes it once Run returns.
type Producer interface {
	Run(ctx context.Context, out chan<- model.CopyJob) error
}

// SingleFile emits exactly one job for a single source file (spec
// §4.10(a)).
type SingleFile struct {
	SourcePath      string
	DestinationPath string
}

func (s SingleFile) Run(ctx context.Context, out chan<- model.CopyJob) error {
	info, err := os.Stat(s.SourcePath)
	if err != nil {
		return model.NewKindError(model.KindBadInput, fmt.Errorf("producer: stat %s: %w", s.SourcePath, err))
	}
	job := model.CopyJob{SourceURI: s.SourcePath, DestinationURI: s.DestinationPath, KnownSizeBytes: info.Size()}
	select {
	case out <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Directory recursively enumerates regular files under SourceRoot,
// producing one job per file with its destination computed as
// DestinationRoot joined to the path relative to SourceRoot (spec
// §4.10(b)). Excludes uses the same glob-pattern matching as the
// teacher's Scanner.isExcluded.
type Directory struct {
	SourceRoot      string
	DestinationRoot string
	Excludes        []string
}

func (d Directory) Run(ctx context.Context, out chan<- model.CopyJob) error {
	root := filepath.Clean(d.SourceRoot)
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, matching the teacher's scanner
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if d.isExcluded(rel, entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}

		job := model.CopyJob{
			SourceURI:      path,
			DestinationURI: filepath.Join(d.DestinationRoot, rel),
			KnownSizeBytes: info.Size(),
		}
		select {
		case out <- job:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// isExcluded mirrors the teacher's Scanner.isExcluded glob matching:
// trailing-slash patterns match directory names at any depth, "/**"
// patterns exclude a directory and everything under it, and plain
// patterns match either the full relative path or the basename.
func (d Directory) isExcluded(relPath string, isDir bool) bool {
	base := filepath.Base(relPath)
	parts := strings.Split(relPath, string(os.PathSeparator))

	for _, pattern := range d.Excludes {
		if strings.HasSuffix(pattern, "/") {
			if isDir {
				dirPattern := strings.TrimPrefix(strings.TrimSuffix(pattern, "/"), "*/")
				for _, part := range parts {
					if matched, _ := filepath.Match(dirPattern, part); matched {
						return true
					}
				}
			}
			continue
		}
		if strings.HasSuffix(pattern, "/**") {
			prefix := strings.TrimSuffix(pattern, "/**")
			for _, part := range parts {
				if matched, _ := filepath.Match(prefix, part); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := filepath.Match(pattern, relPath); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// JobList reads pairs of URIs from an external source, one per line
// ("source|destination"), skipping blank and comment lines, and emits
// jobs lazily with backpressure (spec §4.10(c), §6 job-list format).
type JobList struct {
	Reader io.Reader
}

func (j JobList) Run(ctx context.Context, out chan<- model.CopyJob) error {
	scanner := bufio.NewScanner(j.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		source, dest, ok := splitJobListLine(string(line))
		if !ok {
			return model.NewKindError(model.KindBadInput, fmt.Errorf("producer: job list line %d malformed: %q", lineNo, line))
		}

		job := model.CopyJob{SourceURI: source, DestinationURI: dest, KnownSizeBytes: model.UnknownSize}
		select {
		case out <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("producer: reading job list: %w", err)
	}
	return nil
}

func splitJobListLine(line string) (source, dest string, ok bool) {
	idx := strings.IndexByte(line, '|')
	if idx < 0 {
		return "", "", false
	}
	source = strings.TrimSpace(line[:idx])
	dest = strings.TrimSpace(line[idx+1:])
	if source == "" || dest == "" {
		return "", "", false
	}
	return source, dest, true
}

// FormatJobListLine is the inverse of splitJobListLine, used by callers
// that persist a job list (parse ∘ format ≡ identity per spec §8).
func FormatJobListLine(source, dest string) string {
	return source + "|" + dest
}
