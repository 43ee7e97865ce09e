package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/ehudhazan/fastcopy/internal/copyengine"
	"github.com/ehudhazan/fastcopy/internal/model"
)

// Local lands a stream on the local filesystem, delegating directly to the
// Copy Engine's CopyStream over an opened destination file (spec §4.4).
type Local struct {
	path string
}

// NewLocal constructs the Local transport for destination path.
func NewLocal(path string) *Local {
	return &Local{path: path}
}

func (l *Local) CopyStreamTo(ctx context.Context, source io.Reader, opts StreamOptions) error {
	f, err := copyengine.CreateDestinationFile(l.path, opts.KnownSize)
	if err != nil {
		return model.NewKindError(classifyOSErr(err), fmt.Errorf("transport(local): opening %s: %w", l.path, err))
	}
	defer f.Close()

	engineOpts := copyengine.Options{
		RateLimiter: opts.RateLimiter,
		PauseGate:   opts.PauseGate,
		OnProgress:  opts.OnProgress,
		KnownSize:   opts.KnownSize,
	}
	if err := copyengine.CopyStream(ctx, source, f, engineOpts); err != nil {
		return model.NewKindError(model.Classify(err), fmt.Errorf("transport(local): %w", err))
	}
	if err := f.Sync(); err != nil {
		return model.NewKindError(classifyOSErr(err), fmt.Errorf("transport(local): syncing %s: %w", l.path, err))
	}
	return nil
}

func (l *Local) Close() error { return nil }
