// Package safecmd gates every command string before it reaches a remote
// shell. Commands are built by interpolating validated, quoted values into
// fixed templates; this check is the final barrier against injection.
package safecmd

import (
	"regexp"
	"strings"
)

// dangerous matches known-destructive shell idioms. The check is
// case-insensitive and intentionally coarse: a false positive costs a failed
// operation, a false negative costs a machine.
var dangerous = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf\s+/`),
	regexp.MustCompile(`(?i);.*rm\s`),
	regexp.MustCompile(`(?i)\|.*rm\s`),
	regexp.MustCompile(`(?i)>\s*/dev/`),
	regexp.MustCompile(`(?i)wget\s+http`),
	regexp.MustCompile(`(?i)curl\s+http`),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile("`"),
}

// IsSafe reports whether command is free of the denylisted patterns. Pure
// function, no side effects.
func IsSafe(command string) bool {
	for _, re := range dangerous {
		if re.MatchString(command) {
			return false
		}
	}
	return true
}

// Quote escapes s for use as a single word in a POSIX shell command. The
// value is wrapped in single quotes with embedded single quotes broken out,
// so the remote shell performs no expansion on it.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
