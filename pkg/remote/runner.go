// Package remote executes commands on pod hosts over SSH. It is the only
// package that talks to the outside world; everything above it composes
// command strings.
package remote

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// Target identifies a host a runner connects to
type Target struct {
	ID   string
	Name string
	Host string
	Port int
	User string
}

// ExecOpts adjusts how a single command is run. When PodID is set the command
// is journaled to the command log under that pod. ContainerCommand carries
// the in-container command when the host command wraps one in an engine
// exec, so the journal reads at both levels.
type ExecOpts struct {
	Sudo             bool
	PodID            string
	Label            string
	ContainerCommand string
}

// Runner executes commands on a host
type Runner interface {
	Exec(ctx context.Context, command string, opts ExecOpts) (string, error)
	Ping(ctx context.Context) error
	Target() Target
	Close() error
}

// SSHRunner drives a host's shell through the ssh client binary
type SSHRunner struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	target  Target
	journal *Journal
	command func(context.Context, string, ...string) *exec.Cmd
	getenv  func(string) string

	keyMutex sync.Mutex
	keyPath  string
	keyTemp  bool
}

// NewSSHRunner creates a runner for the given host. Zero Port and empty User
// fall back to the configured SSH defaults. journal may be nil, in which case
// commands are not journaled.
func NewSSHRunner(log *logrus.Entry, cfg *config.AppConfig, target Target, journal *Journal) *SSHRunner {
	if target.Port == 0 {
		target.Port = cfg.UserConfig.SSH.Port
	}
	if target.User == "" {
		target.User = cfg.UserConfig.SSH.User
	}

	return &SSHRunner{
		Log:     log,
		Config:  cfg,
		target:  target,
		journal: journal,
		command: exec.CommandContext,
		getenv:  os.Getenv,
	}
}

// SetCommand sets the command function used by the struct.
// To be used for testing only
func (r *SSHRunner) SetCommand(cmd func(context.Context, string, ...string) *exec.Cmd) {
	r.command = cmd
}

// SetGetenv sets the env lookup used by the struct.
// To be used for testing only
func (r *SSHRunner) SetGetenv(getenv func(string) string) {
	r.getenv = getenv
}

// Target returns the host this runner connects to
func (r *SSHRunner) Target() Target {
	return r.target
}

// Exec runs a command on the host and returns its stdout. Failures at the
// remote end come back as a *CommandError carrying the exit code and both
// output streams. The command lands in the journal with PEM blocks masked.
func (r *SSHRunner) Exec(ctx context.Context, command string, opts ExecOpts) (string, error) {
	keyPath, err := r.ensureKeyFile()
	if err != nil {
		return "", err
	}

	remoteCommand := command
	if opts.Sudo || r.Config.UserConfig.SSH.Sudo {
		// sudo covers the whole remote string, so host-side commands are
		// kept to a single invocation each
		remoteCommand = "sudo " + remoteCommand
	}

	masked := Mask(remoteCommand)
	logID := ""
	if r.journal != nil && opts.PodID != "" {
		logID = r.journal.Begin(opts.PodID, opts.Label, masked, Mask(opts.ContainerCommand))
	}

	cmd := r.command(ctx, "ssh", r.sshArgs(keyPath, remoteCommand)...)
	before := time.Now()
	output, err := cmd.Output()
	elapsed := time.Since(before)
	r.Log.Warn(fmt.Sprintf("'%s': %s", masked, elapsed))

	stdout := string(output)
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			if logID != "" {
				r.journal.Complete(logID, -1, stdout, err.Error(), elapsed)
			}
			return "", utils.WrapError(err)
		}

		cmdErr := &CommandError{
			Command:  masked,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout,
			Stderr:   string(exitErr.Stderr),
		}
		if logID != "" {
			r.journal.Complete(logID, cmdErr.ExitCode, stdout, cmdErr.Stderr, elapsed)
		}
		return stdout, cmdErr
	}

	if logID != "" {
		r.journal.Complete(logID, 0, stdout, "", elapsed)
	}
	return stdout, nil
}

// Ping verifies the host accepts connections and commands run
func (r *SSHRunner) Ping(ctx context.Context) error {
	_, err := r.Exec(ctx, "true", ExecOpts{})
	return err
}

// Close deletes the materialized key file if we created one
func (r *SSHRunner) Close() error {
	r.keyMutex.Lock()
	defer r.keyMutex.Unlock()

	if !r.keyTemp || r.keyPath == "" {
		return nil
	}

	err := os.Remove(r.keyPath)
	r.keyPath = ""
	r.keyTemp = false
	if err != nil && !os.IsNotExist(err) {
		return utils.WrapError(err)
	}
	return nil
}

func (r *SSHRunner) sshArgs(keyPath, remoteCommand string) []string {
	return []string{
		"-i", keyPath,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-p", strconv.Itoa(r.target.Port),
		fmt.Sprintf("%s@%s", r.target.User, r.target.Host),
		remoteCommand,
	}
}

// ensureKeyFile materializes the private key on first use and reuses it for
// every later command. Key material from the environment is written to a temp
// file which os.CreateTemp already creates with mode 0600.
func (r *SSHRunner) ensureKeyFile() (string, error) {
	r.keyMutex.Lock()
	defer r.keyMutex.Unlock()

	if r.keyPath != "" {
		return r.keyPath, nil
	}

	if material := r.getenv(config.SSHKeyEnvVar); material != "" {
		file, err := os.CreateTemp("", "pinacle-key-")
		if err != nil {
			return "", utils.WrapError(err)
		}
		if _, err := file.WriteString(material); err != nil {
			file.Close()
			os.Remove(file.Name())
			return "", utils.WrapError(err)
		}
		if err := file.Close(); err != nil {
			os.Remove(file.Name())
			return "", utils.WrapError(err)
		}

		r.keyPath = file.Name()
		r.keyTemp = true
		return r.keyPath, nil
	}

	if path := r.Config.UserConfig.SSH.PrivateKeyPath; path != "" {
		r.keyPath = path
		return r.keyPath, nil
	}

	return "", errors.Errorf("no ssh key configured: set %s or ssh.privateKeyPath", config.SSHKeyEnvVar)
}
