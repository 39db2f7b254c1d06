package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
)

// HostKeyPolicy selects how server host keys are verified. Strict checking
// against a known_hosts file is the default; insecure auto-accept exists for
// lab fleets and must be chosen explicitly.
type HostKeyPolicy string

const (
	HostKeyStrict   HostKeyPolicy = "strict"
	HostKeyInsecure HostKeyPolicy = "insecure"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultCommandTimeout = 30 * time.Second

	// verificationCommand proves the session can actually run commands.
	// A successful transport handshake alone is not sufficient.
	verificationCommand = "echo 'connection_test'"
	verificationToken   = "connection_test"
)

// Options configures the SSH dialer.
type Options struct {
	HostKeyPolicy  HostKeyPolicy
	KnownHostsPath string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSHDialer opens real SSH sessions to fleet hosts.
type SSHDialer struct {
	opts   Options
	sink   audit.Sink
	logger *slog.Logger
}

func NewSSHDialer(opts Options, sink audit.Sink, logger *slog.Logger) *SSHDialer {
	if opts.HostKeyPolicy == "" {
		opts.HostKeyPolicy = HostKeyStrict
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	return &SSHDialer{opts: opts, sink: sink, logger: logger}
}

// Open connects, authenticates and verifies command execution on the host.
// It fails closed: any step short of a verified working session leaves no
// resources behind.
func (d *SSHDialer) Open(ctx context.Context, host access.Host) (Session, error) {
	cfg, err := d.clientConfig(host)
	if err != nil {
		d.auditConnect(host, false, err.Error())
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	addr := host.DialAddr()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		d.auditConnect(host, false, err.Error())
		return nil, fmt.Errorf("%w: dial %s: %v", access.ErrConnectionFailed, addr, err)
	}

	// Bound the handshake by the connect deadline, then clear it so the
	// session's own per-command timeouts take over.
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		d.auditConnect(host, false, err.Error())
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: handshake with %s", access.ErrTimeout, addr)
		}
		return nil, fmt.Errorf("%w: handshake with %s: %v", access.ErrConnectionFailed, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &sshSession{
		host:    host,
		client:  ssh.NewClient(cc, chans, reqs),
		sink:    d.sink,
		logger:  d.logger,
		timeout: d.opts.CommandTimeout,
	}

	res, err := s.exec(ctx, verificationCommand, "")
	if err != nil || res.ExitCode != 0 || !strings.Contains(res.Stdout, verificationToken) {
		s.client.Close()
		detail := "verification command failed"
		if err != nil {
			detail = err.Error()
		}
		d.auditConnect(host, false, detail)
		return nil, fmt.Errorf("%w: %s: %s", access.ErrConnectionFailed, host.Name, detail)
	}

	d.auditConnect(host, true, "")
	d.logger.Debug("session established", "host", host.Name, "addr", addr, "auth", host.Auth)
	return s, nil
}

func (d *SSHDialer) clientConfig(host access.Host) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	switch host.Auth {
	case access.AuthPassword:
		if host.Password == "" {
			return nil, fmt.Errorf("%w: host %s uses password auth but no password was resolved", access.ErrConnectionFailed, host.Name)
		}
		methods = append(methods, ssh.Password(host.Password))
	case access.AuthKey:
		signer, err := loadSigner(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: host %s: %v", access.ErrConnectionFailed, host.Name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	default:
		return nil, fmt.Errorf("%w: host %s has unknown auth mode %q", access.ErrConnectionFailed, host.Name, host.Auth)
	}

	callback, err := d.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", access.ErrConnectionFailed, err)
	}

	return &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         d.opts.ConnectTimeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	switch d.opts.HostKeyPolicy {
	case HostKeyStrict:
		cb, err := knownhosts.New(d.opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", d.opts.KnownHostsPath, err)
		}
		return cb, nil
	case HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("unknown host key policy %q", d.opts.HostKeyPolicy)
	}
}

func (d *SSHDialer) auditConnect(host access.Host, success bool, message string) {
	e := audit.New(audit.KindSession)
	e.Host = host.Name
	e.Operation = "connect"
	e.Success = success
	e.Message = message
	d.sink.Record(e)
}
