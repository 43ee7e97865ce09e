// Package ustar implements the on-the-fly USTAR framer (spec §4.5, C5)
// shared by the Container and Pod transports. It wraps a source stream and
// a declared (name, size) as an io.Reader emitting a single-entry, valid
// USTAR archive, advancing through four phases — header, content, padding,
// terminator — exactly once per Read call that emits data.
//
// The teacher's own tar pipeline (internal/agent/streamer.go) uses
// archive/tar.Writer, which buffers an entire written entry through a
// writer-shaped API. Spec §9 explicitly calls this pattern out for
// re-architecture ("factor out the framer as a stream wrapper ... a state
// machine over four phases") because Container/Pod need a *reader* they
// can hand to an archive-extraction call or a pod exec's stdin, not a
// writer. The header field layout and checksum algorithm below are
// grounded on archive/tar's own USTAR constants (magic, version, field
// widths) translated into the hand-rolled framer the spec requires.
package ustar

import (
	"context"
	"fmt"
	"io"

	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/ratelimit"
)

const blockSize = 512

const (
	phaseHeader = iota
	phaseContent
	phasePad
	phaseTerminator
	phaseDone
)

// Framer is an io.Reader that emits a compliant single-file USTAR archive
// over source, which must yield exactly size bytes.
type Framer struct {
	source io.Reader
	name   string
	size   int64
	mtime  int64
	limiter *ratelimit.Limiter
	ctx     context.Context

	phase       int
	header      []byte // 512 bytes, consumed incrementally
	headerOff   int
	contentLeft int64
	padLeft     int64 // 0..511
	termLeft    int   // 0..1024, two zero blocks
}

// Options configures an optional rate limit applied only to the content
// phase, per spec §4.5 ("Optional integrated rate limit is applied only
// to the content phase").
type Options struct {
	Limiter *ratelimit.Limiter
	// MTime is the Unix mtime written to the header; 0 is valid (epoch).
	MTime int64
}

// New wraps source as a USTAR stream containing one regular file named
// name with declared size. If fewer than size bytes are available from
// source, Read fails with model.ErrSourceEndedPrematurely.
func New(ctx context.Context, source io.Reader, name string, size int64, opts Options) (*Framer, error) {
	if size < 0 {
		return nil, fmt.Errorf("ustar: negative size %d", size)
	}
	f := &Framer{
		source:      source,
		name:        name,
		size:        size,
		mtime:       opts.MTime,
		limiter:     opts.Limiter,
		ctx:         ctx,
		phase:       phaseHeader,
		contentLeft: size,
		padLeft:     padLength(size),
		termLeft:    2 * blockSize,
	}
	header, err := buildHeader(name, size, opts.MTime)
	if err != nil {
		return nil, err
	}
	f.header = header
	return f, nil
}

// padLength returns the number of zero bytes needed to round size up to
// the next 512-byte multiple.
func padLength(size int64) int64 {
	rem := size % blockSize
	if rem == 0 {
		return 0
	}
	return blockSize - rem
}

// Read implements io.Reader, advancing exactly one phase's worth of data
// per call (never mixing phases in one Read), tolerating any buffer size.
func (f *Framer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f.ctx != nil {
		if err := f.ctx.Err(); err != nil {
			return 0, err
		}
	}

	switch f.phase {
	case phaseHeader:
		n := copy(p, f.header[f.headerOff:])
		f.headerOff += n
		if f.headerOff >= len(f.header) {
			f.phase = phaseContent
		}
		return n, nil

	case phaseContent:
		if f.contentLeft == 0 {
			f.phase = phasePad
			return 0, nil
		}
		want := int64(len(p))
		if want > f.contentLeft {
			want = f.contentLeft
		}
		if f.limiter != nil {
			if err := f.limiter.Consume(f.ctx, want); err != nil {
				return 0, err
			}
		}
		n, err := io.ReadFull(f.source, p[:want])
		f.contentLeft -= int64(n)
		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return n, model.ErrSourceEndedPrematurely
			}
			return n, err
		}
		if f.contentLeft == 0 {
			f.phase = phasePad
		}
		return n, nil

	case phasePad:
		if f.padLeft == 0 {
			f.phase = phaseTerminator
			return 0, nil
		}
		n := int64(len(p))
		if n > f.padLeft {
			n = f.padLeft
		}
		zero(p[:n])
		f.padLeft -= n
		if f.padLeft == 0 {
			f.phase = phaseTerminator
		}
		return int(n), nil

	case phaseTerminator:
		if f.termLeft == 0 {
			f.phase = phaseDone
			return 0, io.EOF
		}
		n := len(p)
		if n > f.termLeft {
			n = f.termLeft
		}
		zero(p[:n])
		f.termLeft -= n
		if f.termLeft == 0 {
			f.phase = phaseDone
		}
		return n, nil

	default: // phaseDone
		return 0, io.EOF
	}
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// TotalLength returns the exact number of bytes this framer will emit:
// 512 (header) + size + pad + 1024 (terminator), per spec §4.5 invariant.
func (f *Framer) TotalLength() int64 {
	return blockSize + f.size + padLength(f.size) + 2*blockSize
}
