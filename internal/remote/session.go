// Package remote owns the shell transport to managed hosts: connection
// lifecycle, command execution with output capture, and privileged execution
// via an ordered strategy chain. Every command passes the safecmd gate before
// any network I/O and every attempt is audited.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/safecmd"
)

// Result is the captured output of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is one live connection to one host. Commands execute strictly in
// the order issued; a session is never shared across hosts and never outlives
// the operation that opened it.
type Session interface {
	// Run executes an unprivileged command. A non-zero exit returns both the
	// Result and an error carrying the stderr detail.
	Run(ctx context.Context, command string) (*Result, error)
	// RunPrivileged executes a command with elevation, walking the strategy
	// chain: passwordless sudo first, then password-piped sudo when the host
	// has a password credential.
	RunPrivileged(ctx context.Context, command string) (*Result, error)
	// Close is idempotent and safe on a session that never fully connected.
	Close() error
}

// Dialer opens sessions. The provisioning engine and the collectors depend on
// this interface so tests can substitute a fake transport.
type Dialer interface {
	Open(ctx context.Context, host access.Host) (Session, error)
}

type sshSession struct {
	host    access.Host
	client  *ssh.Client
	sink    audit.Sink
	logger  *slog.Logger
	timeout time.Duration

	mu           sync.Mutex
	closed       bool
	probed       bool
	passwordless bool
}

func (s *sshSession) Run(ctx context.Context, command string) (*Result, error) {
	if !safecmd.IsSafe(command) {
		s.audit(command, "", false, false, "rejected by safety check")
		return nil, fmt.Errorf("%w: %s", access.ErrCommandRejected, command)
	}

	res, err := s.exec(ctx, command, "")
	if err != nil {
		s.audit(command, "", false, false, err.Error())
		return nil, err
	}
	if res.ExitCode != 0 {
		s.audit(command, res.Stderr, false, false, fmt.Sprintf("exit status %d", res.ExitCode))
		return res, fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	s.audit(command, res.Stdout, false, true, "")
	return res, nil
}

func (s *sshSession) RunPrivileged(ctx context.Context, command string) (*Result, error) {
	if !safecmd.IsSafe(command) {
		s.audit(command, "", true, false, "rejected by safety check")
		return nil, fmt.Errorf("%w: %s", access.ErrCommandRejected, command)
	}

	for _, st := range elevationStrategies() {
		outcome, res, err := st.run(ctx, s, command)
		switch outcome {
		case elevationSkip:
			continue
		case elevationFail:
			s.audit(command, "", true, false, err.Error())
			return nil, err
		}
		if res.ExitCode != 0 {
			s.audit(command, res.Stderr, true, false, fmt.Sprintf("exit status %d", res.ExitCode))
			return res, fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		s.audit(command, res.Stdout, true, true, st.name)
		return res, nil
	}

	s.audit(command, "", true, false, "no usable elevation strategy")
	return nil, fmt.Errorf("%w on %s", access.ErrElevationUnavailable, s.host.Name)
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	e := audit.New(audit.KindSession)
	e.Host = s.host.Name
	e.Operation = "disconnect"
	e.Success = true
	s.sink.Record(e)

	s.logger.Debug("session closed", "host", s.host.Name)
	return s.client.Close()
}

// exec runs one command over a fresh channel on the established transport.
// It returns an error only for transport problems or cancellation; non-zero
// exits come back in Result.ExitCode.
func (s *sshSession) exec(ctx context.Context, command, stdin string) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open channel on %s: %w", s.host.Name, err)
	}
	defer sess.Close()

	stdout := newLimitWriter()
	stderr := newLimitWriter()
	sess.Stdout = stdout
	sess.Stderr = stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		sess.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s on %s", access.ErrTimeout, s.timeout, s.host.Name)
		}
		return nil, ctx.Err()
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return nil, fmt.Errorf("run command on %s: %w", s.host.Name, err)
		}
		return res, nil
	}
}

func (s *sshSession) password() string { return s.host.Password }

func (s *sshSession) sudoProbe() (probed, passwordless bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probed, s.passwordless
}

func (s *sshSession) setSudoProbe(passwordless bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probed = true
	s.passwordless = passwordless
}

func (s *sshSession) audit(command, output string, privileged, success bool, message string) {
	e := audit.New(audit.KindCommand)
	e.Host = s.host.Name
	e.Command = command
	e.Output = output
	e.Privileged = privileged
	e.Success = success
	e.Message = message
	s.sink.Record(e)
}
