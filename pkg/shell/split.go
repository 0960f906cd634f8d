package shell

import "github.com/mgutz/str"

// Split is the inverse of Join: it breaks a command line into argv,
// honouring quoted sections. Used when a command arrives as a single
// string, typically typed by a user, and must be executed argument by
// argument.
func Split(command string) []string {
	return str.ToArgv(command)
}
