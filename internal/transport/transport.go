// Package transport implements the pluggable destination transports (spec
// §4.4, C4): Local, SFTP, Container, and Pod, each landing a byte stream
// at a URI.
//
// Grounded on the teacher's internal/agent.Dispatcher/Streamer for the
// "stream bytes at a destination, classify the failure" shape, generalized
// from the teacher's single TLS-dispatcher destination to a closed set of
// four transports selected by URI scheme (spec §9: "avoid deep
// inheritance, use a closed set plus a factory keyed on URI scheme").
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/ehudhazan/fastcopy/internal/copyengine"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/ehudhazan/fastcopy/internal/pausegate"
	"github.com/ehudhazan/fastcopy/internal/ratelimit"
)

// StreamOptions bundles the cross-cutting collaborators every transport
// forwards into the Copy Engine while landing a stream at its destination.
type StreamOptions struct {
	RateLimiter *ratelimit.Limiter
	PauseGate   *pausegate.Gate
	OnProgress  copyengine.ProgressFunc
	KnownSize   int64
}

// Transport consumes a source byte stream and lands it at a destination
// URI this Transport instance was constructed for.
type Transport interface {
	// CopyStreamTo streams every byte of source to the transport's
	// destination. Local and SFTP honor opts' rate limiter, pause gate,
	// and progress callback; Container and Pod apply the rate limiter to
	// content bytes only, report progress in archive bytes, and do not
	// consult opts.PauseGate. Returns a model.KindError-classified error
	// on failure.
	CopyStreamTo(ctx context.Context, source io.Reader, opts StreamOptions) error

	// Close releases any held resources (connection pool leases, client
	// handles). Safe to call multiple times.
	Close() error
}

// Scheme identifies which transport variant a destination URI selects.
type Scheme int

const (
	SchemeLocal Scheme = iota
	SchemeSFTP
	SchemeContainer
	SchemePod
)

// ParsedDestination is the decoded shape of a destination URI, independent
// of which transport eventually consumes it.
type ParsedDestination struct {
	Scheme Scheme
	Raw    string

	// Local
	Path string

	// SFTP
	User     string
	Password string
	Host     string
	Port     string

	// Container
	ContainerID string

	// Pod
	Namespace string
	PodName   string
}

// ParseDestination classifies a destination URI per spec §6's grammar,
// rejecting unknown schemes at the boundary.
func ParseDestination(raw string) (ParsedDestination, error) {
	if !strings.Contains(raw, "://") {
		return ParsedDestination{Scheme: SchemeLocal, Raw: raw, Path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ParsedDestination{}, model.NewKindError(model.KindBadInput, fmt.Errorf("transport: parsing %q: %w", raw, err))
	}

	switch u.Scheme {
	case "file":
		return ParsedDestination{Scheme: SchemeLocal, Raw: raw, Path: u.Path}, nil
	case "ssh", "sftp":
		pd := ParsedDestination{
			Scheme: SchemeSFTP,
			Raw:    raw,
			Host:   u.Hostname(),
			Port:   u.Port(),
			Path:   u.Path,
		}
		if u.Port() == "" {
			pd.Port = "22"
		}
		if u.User != nil {
			pd.User = u.User.Username()
			pd.Password, _ = u.User.Password()
		}
		return pd, nil
	case "docker":
		id := strings.TrimPrefix(u.Host+u.Path, "/")
		parts := strings.SplitN(id, "/", 2)
		if len(parts) != 2 || parts[0] == "" {
			return ParsedDestination{}, model.NewKindError(model.KindBadInput, fmt.Errorf("transport: malformed docker URI %q, want docker://<container>/<path>", raw))
		}
		return ParsedDestination{Scheme: SchemeContainer, Raw: raw, ContainerID: parts[0], Path: "/" + parts[1]}, nil
	case "k8s":
		id := strings.TrimPrefix(u.Host+u.Path, "/")
		parts := strings.SplitN(id, "/", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return ParsedDestination{}, model.NewKindError(model.KindBadInput, fmt.Errorf("transport: malformed k8s URI %q, want k8s://<namespace>/<pod>/<path>", raw))
		}
		return ParsedDestination{Scheme: SchemePod, Raw: raw, Namespace: parts[0], PodName: parts[1], Path: "/" + parts[2]}, nil
	default:
		return ParsedDestination{}, model.NewKindError(model.KindBadInput, fmt.Errorf("transport: %w: %q", model.ErrUnknownScheme, u.Scheme))
	}
}
