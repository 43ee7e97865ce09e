package transport

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/ustar"
)

// Container lands a stream inside a running Docker container by wrapping
// it with the USTAR Framer and handing the resulting archive stream to the
// engine's "extract archive to path" call (spec §4.4).
//
// Grounded on the docker/docker client usage pattern in the reference
// corpus (other_examples' eviltik-docker-tui logbroker, which constructs
// one *client.Client per process and calls its Container* methods);
// CopyToContainer is the SDK's own archive-extraction endpoint, so no
// separate exec/tar dance is needed the way the Pod transport requires.
type Container struct {
	containerID string
	remotePath  string

	mu     sync.Mutex
	client *client.Client
}

// NewContainer constructs the Container transport for dest.
func NewContainer(dest ParsedDestination) *Container {
	return &Container{containerID: dest.ContainerID, remotePath: dest.Path}
}

func (c *Container) clientFor() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, model.NewKindError(model.KindTransientTransport, fmt.Errorf("container: creating docker client: %w", err))
	}
	c.client = cli
	return cli, nil
}

func (c *Container) CopyStreamTo(ctx context.Context, source io.Reader, opts StreamOptions) error {
	cli, err := c.clientFor()
	if err != nil {
		return err
	}

	name := path.Base(c.remotePath)
	dir := path.Dir(c.remotePath)

	framer, err := ustar.New(ctx, source, name, opts.KnownSize, ustar.Options{
		Limiter: opts.RateLimiter,
	})
	if err != nil {
		return model.NewKindError(model.KindBadInput, fmt.Errorf("container: framing %s: %w", name, err))
	}

	progressFramer := &progressCountingReader{r: framer, onProgress: opts.OnProgress, total: framer.TotalLength()}

	if err := cli.CopyToContainer(ctx, c.containerID, dir, progressFramer, types.CopyToContainerOptions{}); err != nil {
		return model.NewKindError(model.KindTransientTransport, fmt.Errorf("container: copying to %s:%s: %w", c.containerID, c.remotePath, err))
	}
	return nil
}

func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// progressCountingReader adapts the USTAR framer's archive byte stream
// (header + content + padding + terminator, not just the file's content
// bytes) to the opts.OnProgress contract by reporting raw bytes read
// through this wrapper. Container/Pod transports hand the SDK an
// io.Reader directly rather than running their own copy-engine pipe, so
// progress has no other hook into the byte stream.
type progressCountingReader struct {
	r          io.Reader
	onProgress func(totalCopied, totalKnown int64, speedBps float64)
	total      int64
	read       int64
}

func (p *progressCountingReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.read, p.total, 0)
		}
	}
	return n, err
}
