package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsgate/opsgate/internal/access"
	"github.com/opsgate/opsgate/internal/remote"
	"github.com/opsgate/opsgate/internal/safecmd"
)

// Group names the capability procedures manage.
const (
	sudoGroup     = "sudo"
	dockerGroup   = "docker"
	databaseGroup = "database"
)

// procedure is one capability's activate/deactivate pair. Every procedure is
// idempotent: activating an already-active capability or deactivating an
// inactive one succeeds.
type procedure struct {
	activate   func(ctx context.Context, sess remote.Session, account string) (string, error)
	deactivate func(ctx context.Context, sess remote.Session, account string) (string, error)
}

// procedures is the static capability table. The enum is closed; adding a
// capability means adding a row here.
var procedures = map[access.Capability]procedure{
	access.CapBasic: {
		activate: func(context.Context, remote.Session, string) (string, error) {
			return "account access only, no additional privileges", nil
		},
		deactivate: func(context.Context, remote.Session, string) (string, error) {
			return "basic access has no privileges to remove", nil
		},
	},
	access.CapSudo: {
		activate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			return addToGroup(ctx, sess, account, sudoGroup)
		},
		deactivate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			return removeFromGroup(ctx, sess, account, sudoGroup)
		},
	},
	access.CapDocker: {
		activate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			if err := ensureGroup(ctx, sess, dockerGroup); err != nil {
				return "", err
			}
			return addToGroup(ctx, sess, account, dockerGroup)
		},
		deactivate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			return removeFromGroup(ctx, sess, account, dockerGroup)
		},
	},
	access.CapDatabase: {
		activate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			if err := ensureGroup(ctx, sess, databaseGroup); err != nil {
				return "", err
			}
			return addToGroup(ctx, sess, account, databaseGroup)
		},
		deactivate: func(ctx context.Context, sess remote.Session, account string) (string, error) {
			return removeFromGroup(ctx, sess, account, databaseGroup)
		},
	},
	access.CapCustom: {
		activate: func(context.Context, remote.Session, string) (string, error) {
			return "custom capability granted, manual follow-up may be required", nil
		},
		deactivate: func(context.Context, remote.Session, string) (string, error) {
			return "custom capability revoked, manual follow-up may be required", nil
		},
	},
}

// Activate applies one capability to an account over an open session.
func Activate(ctx context.Context, sess remote.Session, account string, c access.Capability) (string, error) {
	p, ok := procedures[c]
	if !ok {
		return "", fmt.Errorf("%w: no procedure for %s", access.ErrCapabilityActionFailed, c)
	}
	msg, err := p.activate(ctx, sess, account)
	if err != nil {
		return "", fmt.Errorf("%w: activate %s for %s: %v", access.ErrCapabilityActionFailed, c, account, err)
	}
	return msg, nil
}

// Deactivate removes one capability from an account over an open session.
func Deactivate(ctx context.Context, sess remote.Session, account string, c access.Capability) (string, error) {
	p, ok := procedures[c]
	if !ok {
		return "", fmt.Errorf("%w: no procedure for %s", access.ErrCapabilityActionFailed, c)
	}
	msg, err := p.deactivate(ctx, sess, account)
	if err != nil {
		return "", fmt.Errorf("%w: deactivate %s for %s: %v", access.ErrCapabilityActionFailed, c, account, err)
	}
	return msg, nil
}

// groupsOf returns the account's current group memberships.
func groupsOf(ctx context.Context, sess remote.Session, account string) ([]string, error) {
	res, err := sess.Run(ctx, "id -Gn "+safecmd.Quote(account))
	if err != nil {
		return nil, fmt.Errorf("query groups for %s: %w", account, err)
	}
	return strings.Fields(res.Stdout), nil
}

func inGroup(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

func addToGroup(ctx context.Context, sess remote.Session, account, group string) (string, error) {
	groups, err := groupsOf(ctx, sess, account)
	if err != nil {
		return "", err
	}
	if inGroup(groups, group) {
		return fmt.Sprintf("%s is already a member of %s", account, group), nil
	}
	if _, err := sess.RunPrivileged(ctx, "usermod -a -G "+safecmd.Quote(group)+" "+safecmd.Quote(account)); err != nil {
		return "", err
	}
	return fmt.Sprintf("added %s to group %s", account, group), nil
}

func removeFromGroup(ctx context.Context, sess remote.Session, account, group string) (string, error) {
	groups, err := groupsOf(ctx, sess, account)
	if err != nil {
		return "", err
	}
	if !inGroup(groups, group) {
		return fmt.Sprintf("%s is not a member of %s, nothing to remove", account, group), nil
	}
	if _, err := sess.RunPrivileged(ctx, "gpasswd -d "+safecmd.Quote(account)+" "+safecmd.Quote(group)); err != nil {
		return "", err
	}
	return fmt.Sprintf("removed %s from group %s", account, group), nil
}

// ensureGroup creates the group when it does not exist yet.
func ensureGroup(ctx context.Context, sess remote.Session, group string) error {
	res, err := sess.Run(ctx, "getent group "+safecmd.Quote(group))
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	if err != nil && res == nil {
		return fmt.Errorf("probe group %s: %w", group, err)
	}
	if _, err := sess.RunPrivileged(ctx, "groupadd "+safecmd.Quote(group)); err != nil {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	return nil
}
