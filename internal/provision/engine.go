// Package provision is the orchestration core: it turns approved grants into
// OS accounts and group memberships on fleet hosts, batching by (host,
// account) so each partition costs exactly one session.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/remote"
)

// HostDirectory resolves host ids to connection records. The inventory
// package provides the real one.
type HostDirectory interface {
	GetHost(id string) (access.Host, bool)
}

// Engine executes grant batches, single revokes and account purges. It owns
// no storage: grants come in, outcomes go out, and the caller persists them.
type Engine struct {
	dialer remote.Dialer
	hosts  HostDirectory
	sink   audit.Sink
	logger *slog.Logger
}

func NewEngine(dialer remote.Dialer, hosts HostDirectory, sink audit.Sink, logger *slog.Logger) *Engine {
	return &Engine{dialer: dialer, hosts: hosts, sink: sink, logger: logger}
}

type partitionKey struct {
	hostID  string
	account string
}

// Grant processes a batch of approved grants. The batch is partitioned by
// (host, effective account); each partition gets one session. Failures are
// isolated per grant, and a partition that cannot connect fails every grant
// in it with no partial credit. The returned slice matches the batch order.
func (e *Engine) Grant(ctx context.Context, batch []access.Grant) []access.Outcome {
	outcomes := make([]access.Outcome, len(batch))
	var order []partitionKey
	parts := make(map[partitionKey][]int)
	for i, g := range batch {
		outcomes[i] = access.Outcome{GrantID: g.ID, HostID: g.HostID, Account: g.Account()}
		k := partitionKey{hostID: g.HostID, account: g.Account()}
		if _, seen := parts[k]; !seen {
			order = append(order, k)
		}
		parts[k] = append(parts[k], i)
	}

	for _, k := range order {
		e.grantPartition(ctx, k, batch, parts[k], outcomes)
	}
	return outcomes
}

func (e *Engine) grantPartition(ctx context.Context, k partitionKey, batch []access.Grant, idxs []int, outcomes []access.Outcome) {
	failAll := func(msg string) {
		for _, i := range idxs {
			outcomes[i].Success = false
			outcomes[i].Message = msg
		}
	}
	// A bad host must never crash the caller; a panic anywhere in the
	// partition becomes a failed outcome for its grants.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while provisioning",
				"host", k.hostID, "account", k.account, "panic", r)
			for _, i := range idxs {
				if !outcomes[i].Success && outcomes[i].Message == "" {
					outcomes[i].Message = fmt.Sprintf("internal error: %v", r)
				}
			}
		}
	}()

	if err := validateAccountName(k.account); err != nil {
		failAll(err.Error())
		return
	}
	host, ok := e.hosts.GetHost(k.hostID)
	if !ok {
		failAll(fmt.Sprintf("unknown host %s", k.hostID))
		return
	}

	e.logger.Info("provisioning partition",
		"host", host.Name, "account", k.account, "grants", len(idxs))

	sess, err := e.dialer.Open(ctx, host)
	if err != nil {
		failAll(fmt.Sprintf("connection failed: %v", err))
		return
	}
	defer sess.Close()

	exists, err := accountExists(ctx, sess, k.account)
	if err != nil {
		failAll(err.Error())
		return
	}

	needsAccount := false
	for _, i := range idxs {
		if batch[i].State != access.StateRevoked {
			needsAccount = true
			break
		}
	}

	created := false
	var password string
	if !exists && needsAccount {
		password, err = createAccount(ctx, sess, k.account)
		if err != nil {
			failAll(err.Error())
			e.auditAccount(host, k.account, "create", false, err.Error())
			return
		}
		created = true
		e.auditAccount(host, k.account, "create", true, "account created")
	}

	for _, i := range idxs {
		g := batch[i]
		var msg string
		var actErr error
		switch {
		case g.State == access.StateRevoked && !exists && !created:
			msg = "account does not exist, capability already revoked"
		case g.State == access.StateRevoked:
			msg, actErr = Deactivate(ctx, sess, k.account, g.Capability)
		default:
			msg, actErr = Activate(ctx, sess, k.account, g.Capability)
		}
		if actErr != nil {
			outcomes[i].Success = false
			outcomes[i].Message = actErr.Error()
		} else {
			outcomes[i].Success = true
			outcomes[i].Message = msg
		}
		e.auditCapability(host, g, outcomes[i].Success, outcomes[i].Message)
	}

	if created {
		// The account exists regardless of how the activations went, so the
		// credential surfaces on the partition's first outcome and nowhere
		// else. The caller persists it; the engine does not retain it.
		outcomes[idxs[0]].GeneratedPassword = password
	}
}

// Revoke deactivates one capability. A missing account counts as already
// revoked. The account itself is never deleted here.
func (e *Engine) Revoke(ctx context.Context, g access.Grant) (out access.Outcome) {
	out = access.Outcome{GrantID: g.ID, HostID: g.HostID, Account: g.Account()}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while revoking", "host", g.HostID, "panic", r)
			out.Success = false
			out.Message = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if err := validateAccountName(out.Account); err != nil {
		out.Message = err.Error()
		return out
	}
	host, ok := e.hosts.GetHost(g.HostID)
	if !ok {
		out.Message = fmt.Sprintf("unknown host %s", g.HostID)
		return out
	}

	sess, err := e.dialer.Open(ctx, host)
	if err != nil {
		out.Message = fmt.Sprintf("connection failed: %v", err)
		return out
	}
	defer sess.Close()

	exists, err := accountExists(ctx, sess, out.Account)
	if err != nil {
		out.Message = err.Error()
		return out
	}
	if !exists {
		out.Success = true
		out.Message = "account does not exist, capability already revoked"
		return out
	}

	msg, err := Deactivate(ctx, sess, out.Account, g.Capability)
	if err != nil {
		out.Message = err.Error()
	} else {
		out.Success = true
		out.Message = msg
	}
	e.auditCapability(host, g, out.Success, out.Message)
	return out
}

// PurgeAccount removes the principal's OS account from every host named by
// the supplied grants: capabilities are deactivated, then the account and its
// home directory are deleted. Every host is attempted even when earlier ones
// fail; the caller judges the aggregate with AllSucceeded.
func (e *Engine) PurgeAccount(ctx context.Context, principal access.Principal, grants []access.Grant) []access.HostOutcome {
	var order []partitionKey
	caps := make(map[partitionKey][]access.Capability)
	for _, g := range grants {
		if g.Principal.ID != principal.ID {
			continue
		}
		k := partitionKey{hostID: g.HostID, account: g.Account()}
		if _, seen := caps[k]; !seen {
			order = append(order, k)
			caps[k] = nil
		}
		dup := false
		for _, c := range caps[k] {
			if c == g.Capability {
				dup = true
				break
			}
		}
		if !dup {
			caps[k] = append(caps[k], g.Capability)
		}
	}

	outs := make([]access.HostOutcome, 0, len(order))
	for _, k := range order {
		outs = append(outs, e.purgeOne(ctx, k, caps[k]))
	}
	return outs
}

func (e *Engine) purgeOne(ctx context.Context, k partitionKey, caps []access.Capability) (out access.HostOutcome) {
	out = access.HostOutcome{HostID: k.hostID}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while purging", "host", k.hostID, "panic", r)
			out.Success = false
			out.Message = fmt.Sprintf("internal error: %v", r)
		}
	}()

	if err := validateAccountName(k.account); err != nil {
		out.Message = err.Error()
		return out
	}
	host, ok := e.hosts.GetHost(k.hostID)
	if !ok {
		out.Message = fmt.Sprintf("unknown host %s", k.hostID)
		return out
	}

	sess, err := e.dialer.Open(ctx, host)
	if err != nil {
		out.Message = fmt.Sprintf("connection failed: %v", err)
		return out
	}
	defer sess.Close()

	exists, err := accountExists(ctx, sess, k.account)
	if err != nil {
		out.Message = err.Error()
		return out
	}
	if !exists {
		out.Success = true
		out.Message = "account does not exist, already purged"
		return out
	}

	// Deactivation failures are logged but do not block deletion; removing
	// the account removes its memberships anyway.
	for _, c := range caps {
		if _, err := Deactivate(ctx, sess, k.account, c); err != nil {
			e.logger.Warn("deactivation during purge failed",
				"host", host.Name, "account", k.account, "capability", c.String(), "error", err)
		}
	}

	if err := deleteAccount(ctx, sess, k.account); err != nil {
		out.Message = err.Error()
		e.auditAccount(host, k.account, "delete", false, err.Error())
		return out
	}
	out.Success = true
	out.Message = "account and home directory removed"
	e.auditAccount(host, k.account, "delete", true, out.Message)
	return out
}

// AllSucceeded reports whether every host outcome in a purge succeeded.
func AllSucceeded(outs []access.HostOutcome) bool {
	for _, o := range outs {
		if !o.Success {
			return false
		}
	}
	return true
}

func (e *Engine) auditAccount(host access.Host, account, op string, success bool, message string) {
	entry := audit.New(audit.KindAccount)
	entry.Host = host.Name
	entry.Principal = account
	entry.Operation = op
	entry.Success = success
	entry.Message = message
	e.sink.Record(entry)
}

func (e *Engine) auditCapability(host access.Host, g access.Grant, success bool, message string) {
	entry := audit.New(audit.KindCapability)
	entry.Host = host.Name
	entry.Principal = g.Principal.Login
	entry.Operation = fmt.Sprintf("%s %s", g.State, g.Capability)
	entry.Success = success
	entry.Message = message
	e.sink.Record(entry)
}
