// Package shell assembles POSIX shell command lines. Every command the
// orchestrator sends to a host or into a container is composed here so that
// quoting rules live in exactly one place.
package shell

import "strings"

// safeChars are the characters an argument may contain without needing quotes.
const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

// Quote wraps arg in single quotes if it contains whitespace or any shell
// metacharacter, escaping embedded single quotes. Safe arguments are
// returned unchanged so composed commands stay readable in logs.
func Quote(arg string) string {
	if arg == "" {
		return "''"
	}
	if !needsQuoting(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func needsQuoting(arg string) bool {
	for _, r := range arg {
		if !strings.ContainsRune(safeChars, r) {
			return true
		}
	}
	return false
}

// Join quotes each argument and joins them with single spaces, preserving
// shell metacharacters in argument values as data.
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = Quote(arg)
	}
	return strings.Join(quoted, " ")
}

// SingleQuoteWrap wraps an entire command in single quotes for transports
// that pass it through another shell, escaping embedded single quotes.
func SingleQuoteWrap(command string) string {
	return "'" + strings.ReplaceAll(command, "'", `'\''`) + "'"
}
