package remote

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError is a command that ran on the host and exited non-zero. The
// Command field is already masked.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	// errors like 'exit status 1' are not very useful so we build the message
	// from the command's own output
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(e.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// IsNotFound reports whether err is the engine complaining that the object
// being acted on does not exist. Lifecycle code treats that as already done.
func IsNotFound(err error) bool {
	cmdErr := &CommandError{}
	if !errors.As(err, &cmdErr) {
		return false
	}
	combined := strings.ToLower(cmdErr.Stderr + "\n" + cmdErr.Stdout)
	return strings.Contains(combined, "no such") || strings.Contains(combined, "not found")
}
