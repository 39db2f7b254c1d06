package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/remote"
)

// fakeFleet simulates account and group state per host so idempotence and
// partitioning behavior can be asserted end to end.
type fakeFleet struct {
	mu          sync.Mutex
	state       map[string]*hostState
	opens       []string
	failConnect map[string]bool
	failCmd     map[string]string // command prefix -> stderr detail
}

type hostState struct {
	accounts map[string]map[string]bool // account -> group set
	groups   map[string]bool
}

func newFakeFleet(hostIDs ...string) *fakeFleet {
	f := &fakeFleet{
		state:       make(map[string]*hostState),
		failConnect: make(map[string]bool),
		failCmd:     make(map[string]string),
	}
	for _, id := range hostIDs {
		f.state[id] = &hostState{
			accounts: make(map[string]map[string]bool),
			groups:   map[string]bool{"sudo": true},
		}
	}
	return f
}

func (f *fakeFleet) addAccount(hostID, account string, groups ...string) {
	set := make(map[string]bool)
	for _, g := range groups {
		set[g] = true
		f.state[hostID].groups[g] = true
	}
	f.state[hostID].accounts[account] = set
}

func (f *fakeFleet) GetHost(id string) (access.Host, bool) {
	if _, ok := f.state[id]; !ok {
		return access.Host{}, false
	}
	return access.Host{ID: id, Name: id, Addr: "10.0.0.1", User: "ops", Auth: access.AuthKey}, true
}

func (f *fakeFleet) Open(_ context.Context, host access.Host) (remote.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect[host.ID] {
		return nil, fmt.Errorf("%w: dial %s", access.ErrConnectionFailed, host.ID)
	}
	f.opens = append(f.opens, host.ID)
	return &fakeSession{fleet: f, hostID: host.ID}, nil
}

type fakeSession struct {
	fleet  *fakeFleet
	hostID string
}

func (s *fakeSession) Run(_ context.Context, command string) (*remote.Result, error) {
	return s.apply(command)
}

func (s *fakeSession) RunPrivileged(_ context.Context, command string) (*remote.Result, error) {
	return s.apply(command)
}

func (s *fakeSession) Close() error { return nil }

func (s *fakeSession) apply(command string) (*remote.Result, error) {
	s.fleet.mu.Lock()
	defer s.fleet.mu.Unlock()

	for prefix, detail := range s.fleet.failCmd {
		if strings.HasPrefix(command, prefix) {
			return &remote.Result{ExitCode: 1, Stderr: detail},
				fmt.Errorf("command exited 1: %s", detail)
		}
	}

	st := s.fleet.state[s.hostID]
	fields := strings.Fields(strings.ReplaceAll(command, "'", ""))
	switch {
	case strings.HasPrefix(command, "id -Gn "):
		account := fields[2]
		groups, ok := st.accounts[account]
		if !ok {
			return &remote.Result{ExitCode: 1, Stderr: "no such user"},
				fmt.Errorf("command exited 1: no such user")
		}
		var names []string
		for g := range groups {
			names = append(names, g)
		}
		return &remote.Result{Stdout: strings.Join(names, " ")}, nil
	case strings.HasPrefix(command, "id "):
		account := fields[1]
		if _, ok := st.accounts[account]; !ok {
			return &remote.Result{ExitCode: 1, Stderr: "no such user"},
				fmt.Errorf("command exited 1: no such user")
		}
		return &remote.Result{Stdout: "uid=1000"}, nil
	case strings.HasPrefix(command, "useradd "):
		st.accounts[fields[len(fields)-1]] = make(map[string]bool)
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "sh -c ") && strings.Contains(command, "chpasswd"):
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "getent group "):
		if !st.groups[fields[2]] {
			return &remote.Result{ExitCode: 2}, fmt.Errorf("command exited 2: ")
		}
		return &remote.Result{Stdout: fields[2] + ":x:999:"}, nil
	case strings.HasPrefix(command, "groupadd "):
		st.groups[fields[1]] = true
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "usermod -a -G "):
		group, account := fields[3], fields[4]
		st.accounts[account][group] = true
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "gpasswd -d "):
		account, group := fields[2], fields[3]
		delete(st.accounts[account], group)
		return &remote.Result{}, nil
	case strings.HasPrefix(command, "userdel -r "):
		delete(st.accounts, fields[2])
		return &remote.Result{}, nil
	}
	return &remote.Result{}, nil
}

func newTestEngine(f *fakeFleet) (*Engine, *audit.MemorySink) {
	sink := &audit.MemorySink{}
	logger := slog.New(slog.NewTextHandler(new(strings.Builder), nil))
	return NewEngine(f, f, sink, logger), sink
}

func grant(host, login string, cap access.Capability) access.Grant {
	return access.Grant{
		ID:         fmt.Sprintf("%s-%s-%s", host, login, cap),
		HostID:     host,
		Principal:  access.Principal{ID: login, Login: login},
		Capability: cap,
		State:      access.StateGranted,
	}
}

func TestGrantPartitionsByHostAndAccount(t *testing.T) {
	fleet := newFakeFleet("host-a", "host-b")
	engine, _ := newTestEngine(fleet)

	batch := []access.Grant{
		grant("host-a", "alice", access.CapSudo),
		grant("host-a", "alice", access.CapDocker),
		grant("host-b", "alice", access.CapSudo),
	}
	outcomes := engine.Grant(context.Background(), batch)

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.True(t, o.Success, "outcome %d: %s", i, o.Message)
	}
	assert.Len(t, fleet.opens, 2, "one session per (host, account) partition")
	assert.True(t, fleet.state["host-a"].accounts["alice"]["sudo"])
	assert.True(t, fleet.state["host-a"].accounts["alice"]["docker"])
	assert.True(t, fleet.state["host-a"].groups["docker"], "docker group created on demand")
}

func TestGrantGeneratesPasswordExactlyOnce(t *testing.T) {
	fleet := newFakeFleet("host-a")
	engine, _ := newTestEngine(fleet)

	outcomes := engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "alice", access.CapBasic),
		grant("host-a", "alice", access.CapSudo),
	})

	require.Len(t, outcomes, 2)
	assert.True(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)
	assert.Len(t, outcomes[0].GeneratedPassword, passwordLength)
	assert.Empty(t, outcomes[1].GeneratedPassword)
}

func TestGrantExistingAccountHasNoPassword(t *testing.T) {
	fleet := newFakeFleet("host-a")
	fleet.addAccount("host-a", "alice")
	engine, _ := newTestEngine(fleet)

	outcomes := engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "alice", access.CapSudo),
	})

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Empty(t, outcomes[0].GeneratedPassword)
}

func TestGrantIsolatesSiblingFailures(t *testing.T) {
	fleet := newFakeFleet("host-a")
	fleet.addAccount("host-a", "alice")
	fleet.failCmd["usermod -a -G 'docker'"] = "docker group edit refused"
	engine, _ := newTestEngine(fleet)

	outcomes := engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "alice", access.CapDocker),
		grant("host-a", "alice", access.CapSudo),
	})

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].Message, "docker")
	assert.True(t, outcomes[1].Success, "sibling grant must report its own outcome")
}

func TestGrantConnectionFailureFailsWholePartition(t *testing.T) {
	fleet := newFakeFleet("host-a", "host-b")
	fleet.failConnect["host-b"] = true
	engine, _ := newTestEngine(fleet)

	outcomes := engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "alice", access.CapBasic),
		grant("host-b", "alice", access.CapBasic),
		grant("host-b", "alice", access.CapSudo),
	})

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success)
	for _, o := range outcomes[1:] {
		assert.False(t, o.Success)
		assert.Contains(t, o.Message, "connection failed")
	}
}

func TestGrantRejectsReservedAccountBeforeConnecting(t *testing.T) {
	fleet := newFakeFleet("host-a")
	engine, _ := newTestEngine(fleet)

	outcomes := engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "root", access.CapSudo),
	})

	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
	assert.Contains(t, outcomes[0].Message, "reserved")
	assert.Empty(t, fleet.opens, "no session for an invalid account name")
}

func TestGrantHonorsAccountOverride(t *testing.T) {
	fleet := newFakeFleet("host-a")
	engine, _ := newTestEngine(fleet)

	g := grant("host-a", "alice", access.CapBasic)
	g.AccountOverride = "asmith"
	outcomes := engine.Grant(context.Background(), []access.Grant{g})

	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "asmith", outcomes[0].Account)
	_, ok := fleet.state["host-a"].accounts["asmith"]
	assert.True(t, ok)
}

func TestRevokeMissingAccountIsSuccess(t *testing.T) {
	fleet := newFakeFleet("host-a")
	engine, _ := newTestEngine(fleet)

	out := engine.Revoke(context.Background(), grant("host-a", "ghost", access.CapSudo))

	assert.True(t, out.Success)
	assert.Contains(t, out.Message, "already revoked")
}

func TestRevokeIsIdempotent(t *testing.T) {
	fleet := newFakeFleet("host-a")
	fleet.addAccount("host-a", "alice", "sudo")
	engine, _ := newTestEngine(fleet)

	g := grant("host-a", "alice", access.CapSudo)
	first := engine.Revoke(context.Background(), g)
	second := engine.Revoke(context.Background(), g)

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.False(t, fleet.state["host-a"].accounts["alice"]["sudo"])
}

func TestPurgeAccountAttemptsEveryHost(t *testing.T) {
	fleet := newFakeFleet("host-1", "host-2", "host-3")
	for _, h := range []string{"host-1", "host-2", "host-3"} {
		fleet.addAccount(h, "alice", "sudo")
	}
	fleet.failConnect["host-2"] = true
	engine, _ := newTestEngine(fleet)

	alice := access.Principal{ID: "alice", Login: "alice"}
	grants := []access.Grant{
		grant("host-1", "alice", access.CapSudo),
		grant("host-2", "alice", access.CapSudo),
		grant("host-3", "alice", access.CapSudo),
	}
	outs := engine.PurgeAccount(context.Background(), alice, grants)

	require.Len(t, outs, 3)
	assert.True(t, outs[0].Success)
	assert.False(t, outs[1].Success)
	assert.True(t, outs[2].Success)
	assert.False(t, AllSucceeded(outs))

	_, onHost1 := fleet.state["host-1"].accounts["alice"]
	_, onHost3 := fleet.state["host-3"].accounts["alice"]
	assert.False(t, onHost1)
	assert.False(t, onHost3)
}

func TestPurgeAccountMissingAccountAlreadyPurged(t *testing.T) {
	fleet := newFakeFleet("host-1")
	engine, _ := newTestEngine(fleet)

	alice := access.Principal{ID: "alice", Login: "alice"}
	outs := engine.PurgeAccount(context.Background(), alice, []access.Grant{
		grant("host-1", "alice", access.CapBasic),
	})

	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
	assert.Contains(t, outs[0].Message, "already purged")
	assert.True(t, AllSucceeded(outs))
}

func TestGrantEmitsAuditEntries(t *testing.T) {
	fleet := newFakeFleet("host-a")
	engine, sink := newTestEngine(fleet)

	engine.Grant(context.Background(), []access.Grant{
		grant("host-a", "alice", access.CapSudo),
	})

	assert.NotEmpty(t, sink.ByKind(audit.KindAccount), "account creation must be audited")
	assert.NotEmpty(t, sink.ByKind(audit.KindCapability), "capability change must be audited")
}
