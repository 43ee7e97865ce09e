package copyengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ehudhazan/fastcopy/internal/pausegate"
	"github.com/ehudhazan/fastcopy/internal/ratelimit"
)

// ProgressFunc is called by the consumer after each segment is written to
// the sink. totalCopied is monotonically non-decreasing and reflects bytes
// acknowledged by the sink; totalKnown is the declared source size or
// model.UnknownSize; speedBps is totalCopied/elapsed wall time.
type ProgressFunc func(totalCopied, totalKnown int64, speedBps float64)

// Options configures a single CopyStream/CopyFile invocation. RateLimiter
// and PauseGate are optional (nil means unthrottled / never paused).
type Options struct {
	RateLimiter *ratelimit.Limiter
	PauseGate   *pausegate.Gate
	OnProgress  ProgressFunc
	KnownSize   int64 // model.UnknownSize if not known
}

// CopyStream streams all bytes of source into sink through a bounded
// in-memory pipe with backpressure (spec §4.3). The producer and consumer
// run on separate goroutines; they synchronize only through the pipe, and
// neither busy-waits. Returns at most one fatal error.
func CopyStream(ctx context.Context, source io.Reader, sink io.Writer, opts Options) error {
	p := newPipe(pipeCapacity)

	producerErr := make(chan error, 1)
	go func() {
		producerErr <- runProducer(ctx, source, p)
	}()

	consumerErr := runConsumer(ctx, p, sink, opts)

	// The producer always finishes once the pipe is closed by either
	// side (closing unblocks a parked Write); collect its result so we
	// don't leak the goroutine, but the consumer's error (if any) is
	// authoritative for the caller since it already wraps whichever side
	// failed first.
	pErr := <-producerErr

	if consumerErr != nil {
		return consumerErr
	}
	return pErr
}

func runProducer(ctx context.Context, source io.Reader, p *pipe) error {
	for {
		if err := ctx.Err(); err != nil {
			p.CloseWithError(err)
			return err
		}

		buf := getBuffer()
		n, readErr := source.Read(*buf)
		if n > 0 {
			if _, writeErr := p.Write((*buf)[:n]); writeErr != nil {
				putBuffer(buf)
				return writeErr
			}
		}
		putBuffer(buf)

		if readErr != nil {
			if readErr == io.EOF {
				p.CloseWithError(nil)
				return nil
			}
			p.CloseWithError(readErr)
			return readErr
		}
	}
}

func runConsumer(ctx context.Context, p *pipe, sink io.Writer, opts Options) error {
	start := time.Now()
	var totalCopied int64
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		if opts.PauseGate != nil {
			if err := opts.PauseGate.WaitWhilePaused(ctx); err != nil {
				p.CloseWithError(err)
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			p.CloseWithError(err)
			return err
		}

		n, err := p.Next(*buf)
		if n > 0 {
			if opts.RateLimiter != nil {
				if rlErr := opts.RateLimiter.Consume(ctx, int64(n)); rlErr != nil {
					p.CloseWithError(rlErr)
					return rlErr
				}
			}
			if _, writeErr := sink.Write((*buf)[:n]); writeErr != nil {
				p.CloseWithError(writeErr)
				return writeErr
			}
			p.Ack(int64(n))
			totalCopied += int64(n)

			if opts.OnProgress != nil {
				elapsed := time.Since(start).Seconds()
				var speed float64
				if elapsed > 0 {
					speed = float64(totalCopied) / elapsed
				}
				opts.OnProgress(totalCopied, opts.KnownSize, speed)
			}
		}

		if err != nil {
			if err == errEOF {
				return nil
			}
			return err
		}
	}
}

// OpenSourceFile opens path for reading, the shared source-side
// counterpart to CreateDestinationFile; callers needing a known size can
// Stat the returned file themselves.
func OpenSourceFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("copyengine: opening source %s: %w", path, err)
	}
	return f, nil
}

// CreateDestinationFile creates (or truncates) path for writing, making
// parent directories as needed and pre-allocating on a known size. Shared
// by CopyFile and the Local transport so both get the same
// create/truncate/pre-allocate discipline.
func CreateDestinationFile(path string, knownSize int64) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("copyengine: creating destination directory %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("copyengine: opening destination %s: %w", path, err)
	}

	if knownSize > 0 {
		// Pre-allocate so the filesystem can lay out contiguous blocks;
		// Truncate is the portable stand-in for posix_fallocate here.
		_ = f.Truncate(knownSize)
	}
	return f, nil
}

// CopyFile opens src for reading and dst for writing (creating/truncating,
// pre-allocating on known size), then delegates to CopyStream.
func CopyFile(ctx context.Context, srcPath, dstPath string, opts Options) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("copyengine: opening source %s: %w", srcPath, err)
	}
	defer src.Close()

	if opts.KnownSize == 0 {
		if info, statErr := src.Stat(); statErr == nil {
			opts.KnownSize = info.Size()
		}
	}

	dst, err := CreateDestinationFile(dstPath, opts.KnownSize)
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := CopyStream(ctx, src, dst, opts); err != nil {
		return err
	}
	return dst.Sync()
}
