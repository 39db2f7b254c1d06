package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsgate/opsgate/internal/access"
)

// elevation is the tri-state result of one strategy attempt.
type elevation int

const (
	elevationDone elevation = iota // command ran, result is authoritative
	elevationSkip                  // strategy not applicable, try the next
	elevationFail                  // terminal failure, stop the chain
)

// runner is the narrow session surface the strategies need. Tests drive the
// chain with a fake.
type runner interface {
	exec(ctx context.Context, command, stdin string) (*Result, error)
	password() string
	sudoProbe() (probed, passwordless bool)
	setSudoProbe(passwordless bool)
}

type strategy struct {
	name string
	run  func(ctx context.Context, r runner, command string) (elevation, *Result, error)
}

// elevationStrategies returns the ordered chain RunPrivileged walks. The
// probe result is cached per session, so repeated privileged commands pay the
// probe cost once.
func elevationStrategies() []strategy {
	return []strategy{
		{name: "sudo-passwordless", run: runPasswordless},
		{name: "sudo-password", run: runPasswordPipe},
	}
}

func runPasswordless(ctx context.Context, r runner, command string) (elevation, *Result, error) {
	probed, passwordless := r.sudoProbe()
	if !probed {
		res, err := r.exec(ctx, "sudo -n true", "")
		if err != nil {
			return elevationFail, nil, err
		}
		passwordless = res.ExitCode == 0
		r.setSudoProbe(passwordless)
	}
	if !passwordless {
		return elevationSkip, nil, nil
	}

	res, err := r.exec(ctx, "sudo -n "+command, "")
	if err != nil {
		return elevationFail, nil, err
	}
	return elevationDone, res, nil
}

func runPasswordPipe(ctx context.Context, r runner, command string) (elevation, *Result, error) {
	pw := r.password()
	if pw == "" {
		return elevationSkip, nil, nil
	}

	res, err := r.exec(ctx, "sudo -S -p '' "+command, pw+"\n")
	if err != nil {
		return elevationFail, nil, err
	}
	if wrongSudoPassword(res.Stderr) {
		return elevationFail, nil, fmt.Errorf("%w: sudo rejected the password", access.ErrElevationAuthFailed)
	}
	res.Stderr = scrubSudoPrompt(res.Stderr)
	return elevationDone, res, nil
}

func wrongSudoPassword(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "sorry, try again") || strings.Contains(s, "incorrect password")
}

// scrubSudoPrompt drops sudo's prompt chatter from stderr so the password
// prompt text never leaks into results or audit entries.
func scrubSudoPrompt(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "Password:") || strings.HasPrefix(trimmed, "[sudo] password for") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
