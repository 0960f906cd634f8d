// Package process runs the user's install commands and user apps inside a
// pod. Apps live in detached tmux sessions, so they keep running when no
// terminal is attached and users can attach to them from the web terminal.
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/shell"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// healthProbeInterval is the wait between health check attempts
const healthProbeInterval = 2 * time.Second

// Engine is the slice of the container engine the provisioner needs
type Engine interface {
	ExecShellInContainer(ctx context.Context, podID string, containerID string, script string) (*engine.ExecResult, error)
}

// Provisioner runs install commands and user processes inside pods
type Provisioner struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	engine Engine
	sleep  func(ctx context.Context, d time.Duration)
}

// NewProvisioner creates a process provisioner over the given engine
func NewProvisioner(log *logrus.Entry, config *config.AppConfig, engine Engine) *Provisioner {
	return &Provisioner{
		Log:    log,
		Config: config,
		engine: engine,
		sleep:  utils.Sleep,
	}
}

// SetSleep sets the health probe wait. To be used for testing only
func (p *Provisioner) SetSleep(sleep func(ctx context.Context, d time.Duration)) {
	p.sleep = sleep
}

// RunInstall executes the pod's install commands in the working directory.
// On an existing workspace a failed install is logged and swallowed: the
// volumes may already carry a finished install from a previous container,
// and the user can rerun it from a terminal. On a fresh repo it is fatal.
func (p *Provisioner) RunInstall(ctx context.Context, podSpec *spec.PodSpec, containerID string, isExistingRepo bool) error {
	if podSpec.Install.IsZero() {
		return nil
	}

	p.Log.Info(fmt.Sprintf("pod %s: running install commands", podSpec.ID))
	script := fmt.Sprintf("cd %s && (%s)", shell.Quote(podSpec.WorkDir()), podSpec.Install.Joined())
	if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script); err != nil {
		if isExistingRepo {
			p.Log.Warn(fmt.Sprintf("pod %s: install failed on existing workspace, continuing: %v", podSpec.ID, err))
			return nil
		}
		return utils.WrapError(err)
	}
	return nil
}

// StartProcess (re)creates the detached session a user process runs in.
// tmux state lives on the persistent volumes, so a session can outlive the
// container that spawned it as an empty shell; killing by name first makes
// the start idempotent across container restarts.
func (p *Provisioner) StartProcess(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec) error {
	session := sessionName(podSpec, process)
	kill := fmt.Sprintf("tmux kill-session -t %s 2>/dev/null || true", shell.Quote(session))
	if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, kill); err != nil {
		return utils.WrapError(err)
	}

	p.Log.Info(fmt.Sprintf("pod %s: starting process %s in session %s", podSpec.ID, process.Name, session))
	run := fmt.Sprintf("cd %s && %s", shell.Quote(podSpec.WorkDir()), process.StartCommand.Joined())
	create := fmt.Sprintf("tmux new-session -d -s %s %s", shell.Quote(session), shell.Quote(run))
	if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, create); err != nil {
		return utils.WrapError(err)
	}
	return nil
}

// CheckHealth waits for a process's health command to pass. Processes
// without one are immediately healthy, and on existing workspaces the check
// is skipped entirely: a freshly restarted app may take longer than any
// sensible timeout and the user can already see it in the terminal.
// A non-positive timeout falls back to the configured default.
func (p *Provisioner) CheckHealth(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec, isExistingRepo bool, timeout time.Duration) error {
	if process.HealthCheck == "" || isExistingRepo {
		return nil
	}

	if timeout <= 0 {
		timeout = p.Config.UserConfig.Provision.HealthCheckTimeout
	}
	attempts := int(timeout / healthProbeInterval)
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.sleep(ctx, healthProbeInterval)
			if ctx.Err() != nil {
				return utils.WrapError(ctx.Err())
			}
		}
		if _, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, process.HealthCheck); err == nil {
			return nil
		}
	}
	return errors.Errorf("process %s failed its health check within %s", process.Name, timeout)
}

// StopProcess kills the process's session. A missing session is not an
// error: the process may never have started, or the session died with the
// container.
func (p *Provisioner) StopProcess(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec) error {
	session := sessionName(podSpec, process)
	script := fmt.Sprintf("tmux kill-session -t %s 2>/dev/null || true", shell.Quote(session))
	_, err := p.engine.ExecShellInContainer(ctx, podSpec.ID, containerID, script)
	return err
}

// ListSessions reports the pod's live multiplexer sessions, for diagnostics
func (p *Provisioner) ListSessions(ctx context.Context, podID string, containerID string) ([]string, error) {
	result, err := p.engine.ExecShellInContainer(ctx, podID, containerID, "tmux list-sessions -F '#{session_name}' 2>/dev/null || true")
	if err != nil {
		return nil, utils.WrapError(err)
	}
	return utils.SplitLines(result.Stdout), nil
}

// sessionName prefers the name bound at expansion time so that renames in
// the naming scheme never orphan a live session
func sessionName(podSpec *spec.PodSpec, process spec.ProcessSpec) string {
	if process.SessionName != "" {
		return process.SessionName
	}
	return spec.SessionName(podSpec.ID, process.Name)
}
