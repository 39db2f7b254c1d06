package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/opsgate/opsgate/internal/remote"
	"github.com/opsgate/opsgate/internal/safecmd"
)

const (
	passwordLength  = 16
	passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789@#%^&*"
)

var accountNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{2,31}$`)

// reservedAccounts are system account names that must never be provisioned
// or purged through the engine.
var reservedAccounts = map[string]bool{
	"root": true, "daemon": true, "bin": true, "sys": true, "sync": true,
	"games": true, "man": true, "lp": true, "mail": true, "news": true,
	"uucp": true, "proxy": true, "backup": true, "nobody": true,
	"sshd": true, "sudo": true, "admin": true, "docker": true,
	"postgres": true, "mysql": true, "www-data": true,
}

// validateAccountName checks shape and the reserved-name denylist before any
// remote command is built from the name.
func validateAccountName(name string) error {
	if !accountNameRe.MatchString(name) {
		return fmt.Errorf("invalid account name %q: must start with a letter and be 3-32 characters of letters, digits, underscore or dash", name)
	}
	if reservedAccounts[name] {
		return fmt.Errorf("account name %q is reserved", name)
	}
	return nil
}

// generatePassword draws a fixed-length password from a cryptographically
// strong source over letters, digits and a small shell-safe symbol set.
func generatePassword() (string, error) {
	buf := make([]byte, passwordLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = passwordCharset[int(b)%len(passwordCharset)]
	}
	return string(buf), nil
}

// accountExists probes for the account without mutating anything. A non-zero
// exit from id means the account is absent, not an error.
func accountExists(ctx context.Context, sess remote.Session, account string) (bool, error) {
	res, err := sess.Run(ctx, "id "+safecmd.Quote(account))
	if err != nil {
		if res != nil && res.ExitCode != 0 {
			return false, nil
		}
		return false, fmt.Errorf("probe account %s: %w", account, err)
	}
	return true, nil
}

// createAccount creates the account with a home directory and a bash shell,
// then sets the generated password. Returns the password for the caller to
// surface exactly once.
func createAccount(ctx context.Context, sess remote.Session, account string) (string, error) {
	password, err := generatePassword()
	if err != nil {
		return "", err
	}

	if _, err := sess.RunPrivileged(ctx, "useradd -m -s /bin/bash "+safecmd.Quote(account)); err != nil {
		return "", fmt.Errorf("create account %s: %w", account, err)
	}

	chpasswd := fmt.Sprintf("echo %s | chpasswd", safecmd.Quote(account+":"+password))
	if _, err := sess.RunPrivileged(ctx, "sh -c "+safecmd.Quote(chpasswd)); err != nil {
		return "", fmt.Errorf("set password for %s: %w", account, err)
	}

	return password, nil
}

// deleteAccount removes the account and its home directory.
func deleteAccount(ctx context.Context, sess remote.Session, account string) error {
	if _, err := sess.RunPrivileged(ctx, "userdel -r "+safecmd.Quote(account)); err != nil {
		return fmt.Errorf("delete account %s: %w", account, err)
	}
	return nil
}
