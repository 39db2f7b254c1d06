package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/opsgate/opsgate/internal/access"
)

// fakeRunner scripts exec responses by command string and records the calls.
type fakeRunner struct {
	responses map[string]*Result
	execErr   error
	pw        string
	calls     []string
	stdins    []string

	probed       bool
	passwordless bool
}

func (f *fakeRunner) exec(_ context.Context, command, stdin string) (*Result, error) {
	f.calls = append(f.calls, command)
	f.stdins = append(f.stdins, stdin)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if res, ok := f.responses[command]; ok {
		return res, nil
	}
	return &Result{}, nil
}

func (f *fakeRunner) password() string { return f.pw }

func (f *fakeRunner) sudoProbe() (bool, bool) { return f.probed, f.passwordless }

func (f *fakeRunner) setSudoProbe(passwordless bool) {
	f.probed = true
	f.passwordless = passwordless
}

func TestPasswordlessStrategyRunsWhenProbeSucceeds(t *testing.T) {
	r := &fakeRunner{responses: map[string]*Result{
		"sudo -n true":        {ExitCode: 0},
		"sudo -n usermod -a -G sudo alice": {Stdout: "ok"},
	}}

	outcome, res, err := runPasswordless(context.Background(), r, "usermod -a -G sudo alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != elevationDone {
		t.Fatalf("outcome = %v, want elevationDone", outcome)
	}
	if res.Stdout != "ok" {
		t.Errorf("stdout = %q, want ok", res.Stdout)
	}
	if !r.probed || !r.passwordless {
		t.Error("expected probe result to be cached")
	}
}

func TestPasswordlessStrategySkipsWhenProbeFails(t *testing.T) {
	r := &fakeRunner{responses: map[string]*Result{
		"sudo -n true": {ExitCode: 1, Stderr: "a password is required"},
	}}

	outcome, _, err := runPasswordless(context.Background(), r, "id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != elevationSkip {
		t.Fatalf("outcome = %v, want elevationSkip", outcome)
	}
	if len(r.calls) != 1 {
		t.Errorf("calls = %v, want probe only", r.calls)
	}
}

func TestPasswordlessStrategyUsesCachedProbe(t *testing.T) {
	r := &fakeRunner{probed: true, passwordless: true, responses: map[string]*Result{
		"sudo -n id": {Stdout: "uid=0"},
	}}

	outcome, _, err := runPasswordless(context.Background(), r, "id")
	if err != nil || outcome != elevationDone {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}
	for _, c := range r.calls {
		if c == "sudo -n true" {
			t.Error("probe should not re-run once cached")
		}
	}
}

func TestPasswordPipeSkipsWithoutPassword(t *testing.T) {
	r := &fakeRunner{}
	outcome, _, err := runPasswordPipe(context.Background(), r, "id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != elevationSkip {
		t.Fatalf("outcome = %v, want elevationSkip", outcome)
	}
	if len(r.calls) != 0 {
		t.Errorf("expected no exec calls, got %v", r.calls)
	}
}

func TestPasswordPipeFeedsPasswordOnStdin(t *testing.T) {
	r := &fakeRunner{pw: "hunter2", responses: map[string]*Result{
		"sudo -S -p '' id": {Stdout: "uid=0", Stderr: "Password:"},
	}}

	outcome, res, err := runPasswordPipe(context.Background(), r, "id")
	if err != nil || outcome != elevationDone {
		t.Fatalf("outcome = %v, err = %v", outcome, err)
	}
	if r.stdins[0] != "hunter2\n" {
		t.Errorf("stdin = %q, want password with newline", r.stdins[0])
	}
	if res.Stderr != "" {
		t.Errorf("stderr = %q, want prompt scrubbed away", res.Stderr)
	}
}

func TestPasswordPipeDetectsWrongPassword(t *testing.T) {
	r := &fakeRunner{pw: "wrong", responses: map[string]*Result{
		"sudo -S -p '' id": {ExitCode: 1, Stderr: "Sorry, try again.\nsudo: 1 incorrect password attempt"},
	}}

	outcome, _, err := runPasswordPipe(context.Background(), r, "id")
	if outcome != elevationFail {
		t.Fatalf("outcome = %v, want elevationFail", outcome)
	}
	if !errors.Is(err, access.ErrElevationAuthFailed) {
		t.Fatalf("err = %v, want ErrElevationAuthFailed", err)
	}
}

func TestScrubSudoPrompt(t *testing.T) {
	in := "Password:\n[sudo] password for alice:\nreal error line\n"
	if got := scrubSudoPrompt(in); got != "real error line" {
		t.Errorf("scrubSudoPrompt = %q", got)
	}
}
