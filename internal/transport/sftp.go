package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/ehudhazan/fastcopy/internal/copyengine"
	"github.com/ehudhazan/fastcopy/internal/model"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sftpDialTimeout bounds connection setup the way the teacher bounds its
// TLS dial (internal/agent/dispatcher.go's writeDeadline convention).
const sftpDialTimeout = 30 * time.Second

// sftpPoolCapacity is the per-host connection pool size spec §4.4 names.
const sftpPoolCapacity = 10

// hostPool is a bounded, reusable set of live SFTP sessions to one host.
// Grounded on the teacher's Dispatcher reconnect-on-failure discipline
// (internal/agent/dispatcher.go), generalized from "N parallel streams to
// one server" to "a small leased pool". Each SFTP value owns its own pool
// and Close empties it, so connections are reused only across
// CopyStreamTo calls on the same SFTP value, not between transports.
type hostPool struct {
	mu      sync.Mutex
	addr    string
	cfg     *ssh.ClientConfig
	clients []*ssh.Client
}

func newHostPool(addr string, cfg *ssh.ClientConfig) *hostPool {
	return &hostPool{addr: addr, cfg: cfg}
}

// lease returns a live *sftp.Client, dialing a fresh connection if the
// pool is empty or every held connection has gone stale.
func (hp *hostPool) lease() (*sftp.Client, *ssh.Client, error) {
	hp.mu.Lock()
	for len(hp.clients) > 0 {
		c := hp.clients[len(hp.clients)-1]
		hp.clients = hp.clients[:len(hp.clients)-1]
		hp.mu.Unlock()
		if sc, err := sftp.NewClient(c); err == nil {
			return sc, c, nil
		}
		c.Close()
		hp.mu.Lock()
	}
	hp.mu.Unlock()

	conn, err := net.DialTimeout("tcp", hp.addr, sftpDialTimeout)
	if err != nil {
		return nil, nil, model.NewKindError(model.KindTransientNetwork, fmt.Errorf("sftp: dialing %s: %w", hp.addr, err))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, hp.addr, hp.cfg)
	if err != nil {
		conn.Close()
		return nil, nil, model.NewKindError(model.KindAuth, fmt.Errorf("sftp: handshake with %s: %w", hp.addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, model.NewKindError(model.KindTransientTransport, fmt.Errorf("sftp: opening sftp session to %s: %w", hp.addr, err))
	}
	return sc, client, nil
}

// release returns a still-live connection to the pool, up to capacity;
// connections beyond capacity are closed rather than leaked.
func (hp *hostPool) release(c *ssh.Client) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if len(hp.clients) >= sftpPoolCapacity {
		c.Close()
		return
	}
	hp.clients = append(hp.clients, c)
}

func (hp *hostPool) closeAll() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	for _, c := range hp.clients {
		c.Close()
	}
	hp.clients = nil
}

// AuthConfig configures how SFTP authenticates: explicit key, password,
// and the host-key verification knob.
type AuthConfig struct {
	KeyFile            string // explicit private key path, tried first
	Password           string
	TrustAnyHostKey    bool // test-mode knob; off by default
	KnownHostsCallback ssh.HostKeyCallback
}

// SFTP lands a stream on a remote host over SSH (spec §4.4).
type SFTP struct {
	dest ParsedDestination
	auth AuthConfig

	mu   sync.Mutex
	pool *hostPool
}

// NewSFTP constructs the SFTP transport for dest, deferring connection
// setup until the first CopyStreamTo call.
func NewSFTP(dest ParsedDestination, auth AuthConfig) *SFTP {
	return &SFTP{dest: dest, auth: auth}
}

func (s *SFTP) pooled() *hostPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		cfg := &ssh.ClientConfig{
			User:            s.effectiveUser(),
			Auth:            s.authMethods(),
			Timeout:         sftpDialTimeout,
			HostKeyCallback: s.hostKeyCallback(),
		}
		s.pool = newHostPool(net.JoinHostPort(s.dest.Host, s.dest.Port), cfg)
	}
	return s.pool
}

func (s *SFTP) effectiveUser() string {
	if s.dest.User != "" {
		return s.dest.User
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

func (s *SFTP) hostKeyCallback() ssh.HostKeyCallback {
	if s.auth.TrustAnyHostKey {
		return ssh.InsecureIgnoreHostKey()
	}
	if s.auth.KnownHostsCallback != nil {
		return s.auth.KnownHostsCallback
	}
	if home, err := os.UserHomeDir(); err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	return func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
		return fmt.Errorf("sftp: cannot verify host key for %s: no known_hosts file and trust-any-host is off", hostname)
	}
}

// authMethods builds the priority chain spec §4.4/SPEC_FULL names:
// explicit key file, then auto-discovered ~/.ssh keys (modern algorithms
// first), then password, then keyboard-interactive, then ssh-agent, then
// an empty password as a last resort.
func (s *SFTP) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if s.auth.KeyFile != "" {
		if signer, err := loadSigner(s.auth.KeyFile); err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	for _, signer := range discoverKeys() {
		methods = append(methods, ssh.PublicKeys(signer))
	}
	password := s.auth.Password
	if password == "" {
		password = s.dest.Password
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentSigners := agentSignersFromSocket(sock); len(agentSigners) > 0 {
			methods = append(methods, ssh.PublicKeys(agentSigners...))
		}
	}
	methods = append(methods, ssh.Password(""))
	return methods
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// discoverKeys scans ~/.ssh for the conventional key file names, trying
// ed25519 before ecdsa before rsa before dsa ("modern algorithms first").
func discoverKeys() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	candidates := []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"}

	var signers []ssh.Signer
	for _, name := range candidates {
		p := filepath.Join(home, ".ssh", name)
		if signer, err := loadSigner(p); err == nil {
			signers = append(signers, signer)
		}
	}
	return signers
}

func (s *SFTP) CopyStreamTo(ctx context.Context, source io.Reader, opts StreamOptions) error {
	pool := s.pooled()
	client, sshClient, err := pool.lease()
	if err != nil {
		return err
	}
	defer pool.release(sshClient)
	defer client.Close()

	remoteDir := path.Dir(s.dest.Path)
	if remoteDir != "." && remoteDir != "/" {
		if err := client.MkdirAll(remoteDir); err != nil && !errors.Is(err, os.ErrExist) {
			return model.NewKindError(model.KindTransientTransport, fmt.Errorf("sftp: creating remote directory %s: %w", remoteDir, err))
		}
	}

	dst, err := client.Create(s.dest.Path)
	if err != nil {
		return model.NewKindError(classifySFTPErr(err), fmt.Errorf("sftp: creating remote file %s: %w", s.dest.Path, err))
	}
	defer dst.Close()

	if opts.KnownSize > 0 {
		_ = dst.Truncate(opts.KnownSize)
	}

	engineOpts := copyengine.Options{
		RateLimiter: opts.RateLimiter,
		PauseGate:   opts.PauseGate,
		OnProgress:  opts.OnProgress,
		KnownSize:   opts.KnownSize,
	}
	if err := copyengine.CopyStream(ctx, source, dst, engineOpts); err != nil {
		return model.NewKindError(model.Classify(err), fmt.Errorf("sftp: %w", err))
	}
	return nil
}

func classifySFTPErr(err error) model.Kind {
	if errors.Is(err, os.ErrPermission) {
		return model.KindAuth
	}
	return model.KindTransientTransport
}

func (s *SFTP) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.closeAll()
	}
	return nil
}

// agentSignersFromSocket is a seam kept separate from authMethods so tests
// can exercise the auth-chain ordering without a live ssh-agent socket.
var agentSignersFromSocket = func(sock string) []ssh.Signer {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	defer conn.Close()
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		return nil
	}
	return signers
}
