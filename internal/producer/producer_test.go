package producer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehudhazan/fastcopy/internal/model"
)

func collect(t *testing.T, p Producer) []model.CopyJob {
	t.Helper()
	out := make(chan model.CopyJob, 100)
	err := p.Run(context.Background(), out)
	close(out)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var jobs []model.CopyJob
	for j := range out {
		jobs = append(jobs, j)
	}
	return jobs
}

func TestSingleFileEmitsOneJob(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	jobs := collect(t, SingleFile{SourcePath: src, DestinationPath: "/dst/a.bin"})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].KnownSizeBytes != 5 {
		t.Fatalf("expected size 5, got %d", jobs[0].KnownSizeBytes)
	}
}

func TestSingleFileMissingSourceFails(t *testing.T) {
	out := make(chan model.CopyJob, 1)
	if err := (SingleFile{SourcePath: "/does/not/exist", DestinationPath: "/dst"}).Run(context.Background(), out); err == nil {
		t.Fatalf("expected error for missing source")
	}
}

func TestDirectoryEnumeratesFilesWithRelativeDestination(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), "a")
	mustWrite(t, filepath.Join(root, "sub", "b.txt"), "bb")

	jobs := collect(t, Directory{SourceRoot: root, DestinationRoot: "/dst"})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d: %+v", len(jobs), jobs)
	}
	var destinations []string
	for _, j := range jobs {
		destinations = append(destinations, j.DestinationURI)
	}
	wantA := filepath.Join("/dst", "a.txt")
	wantB := filepath.Join("/dst", "sub", "b.txt")
	if !contains(destinations, wantA) || !contains(destinations, wantB) {
		t.Fatalf("unexpected destinations: %v", destinations)
	}
}

func TestDirectoryExcludesGlobPattern(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "keep.txt"), "x")
	mustWrite(t, filepath.Join(root, "skip.log"), "x")

	jobs := collect(t, Directory{SourceRoot: root, DestinationRoot: "/dst", Excludes: []string{"*.log"}})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job after exclude, got %d", len(jobs))
	}
	if !strings.HasSuffix(jobs[0].SourceURI, "keep.txt") {
		t.Fatalf("expected keep.txt, got %s", jobs[0].SourceURI)
	}
}

func TestDirectoryExcludesEntireSubdir(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "keep.txt"), "x")
	mustWrite(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "x")

	jobs := collect(t, Directory{SourceRoot: root, DestinationRoot: "/dst", Excludes: []string{"node_modules/**"}})
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d: %+v", len(jobs), jobs)
	}
}

func TestJobListParsesPipeDelimitedPairs(t *testing.T) {
	input := "/a|/b\n# comment\n\n   \n/c|/d\n"
	jobs := collect(t, JobList{Reader: strings.NewReader(input)})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].SourceURI != "/a" || jobs[0].DestinationURI != "/b" {
		t.Fatalf("unexpected first job: %+v", jobs[0])
	}
}

func TestJobListRejectsMalformedLine(t *testing.T) {
	out := make(chan model.CopyJob, 10)
	err := JobList{Reader: strings.NewReader("no-pipe-here\n")}.Run(context.Background(), out)
	if err == nil {
		t.Fatalf("expected rejection of malformed line")
	}
}

func TestFormatJobListLineRoundTrips(t *testing.T) {
	line := FormatJobListLine("/src/a", "/dst/b")
	source, dest, ok := splitJobListLine(line)
	if !ok || source != "/src/a" || dest != "/dst/b" {
		t.Fatalf("round trip failed: %q -> %q, %q, %v", line, source, dest, ok)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
