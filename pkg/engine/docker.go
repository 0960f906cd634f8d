package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/shell"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// startSettle is how long a freshly started container gets before we check
// that it is still running. PID 1 is sleep infinity so an immediate exit
// means the runtime rejected the container.
const startSettle = 2 * time.Second

// DockerEngine drives the engine CLI on a single host. All commands travel
// over the host's runner; nothing here talks to a local daemon.
type DockerEngine struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	runner remote.Runner
	sleep  func(ctx context.Context, d time.Duration)
}

// NewDockerEngine creates an engine bound to one host's runner
func NewDockerEngine(log *logrus.Entry, config *config.AppConfig, runner remote.Runner) *DockerEngine {
	return &DockerEngine{
		Log:    log,
		Config: config,
		runner: runner,
		sleep:  utils.Sleep,
	}
}

// SetSleep sets the settle wait. To be used for testing only
func (e *DockerEngine) SetSleep(sleep func(ctx context.Context, d time.Duration)) {
	e.sleep = sleep
}

func (e *DockerEngine) binary() string {
	return e.Config.UserConfig.Engine.Binary
}

// Target identifies the host this engine drives
func (e *DockerEngine) Target() remote.Target {
	return e.runner.Target()
}

// CreateContainer creates the pod's container without starting it. A stale
// container already holding the name is force-removed first; its volumes are
// kept so the recreated pod sees the same data. Returns the engine's
// container id.
func (e *DockerEngine) CreateContainer(ctx context.Context, podSpec *spec.PodSpec) (string, error) {
	name := spec.ContainerName(podSpec.ID)

	existing, err := e.GetContainer(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		e.Log.Warn(fmt.Sprintf("container %s already exists, replacing it", name))
		command := fmt.Sprintf("%s rm -f %s", e.binary(), name)
		if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podSpec.ID, Label: "container.replace"}); err != nil && !remote.IsNotFound(err) {
			return "", err
		}
	}

	if err := e.EnsureUniversalVolumes(ctx, podSpec.ID); err != nil {
		return "", err
	}

	command := e.createCommand(podSpec)
	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podSpec.ID, Label: "container.create"})
	if err != nil {
		return "", err
	}

	id := strings.TrimSpace(output)
	if id == "" {
		return "", errors.Errorf("engine returned no container id for %s", name)
	}
	return id, nil
}

// createCommand composes the full create invocation for a pod. The container
// joins the default bridge only; the network manager connects the pod's own
// bridge before start.
func (e *DockerEngine) createCommand(podSpec *spec.PodSpec) string {
	args := []string{
		e.binary(), "create",
		"--name", spec.ContainerName(podSpec.ID),
		fmt.Sprintf("--runtime=%s", e.Config.UserConfig.Engine.SandboxRuntime),
		"--memory", fmt.Sprintf("%dm", podSpec.Resources.MemoryMB),
		fmt.Sprintf("--cpu-quota=%d", cpuQuota(podSpec.Resources.CPUCores)),
		"--cpu-period=100000",
	}

	for _, port := range podSpec.Network.Ports {
		if port.External == 0 {
			continue
		}
		protocol := port.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		args = append(args, "-p", fmt.Sprintf("%d:%d/%s", port.External, port.Internal, protocol))
	}

	for _, key := range sortedKeys(podSpec.Environment) {
		args = append(args, "-e", shell.Quote(fmt.Sprintf("%s=%s", key, podSpec.Environment[key])))
	}

	for _, mount := range UniversalMounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s", spec.VolumeName(podSpec.ID, mount.Role), mount.Path))
	}

	args = append(args,
		"--workdir", podSpec.WorkDir(),
		"--user", podSpec.RunAsUser(),
		"--security-opt", "seccomp=unconfined",
		"--cap-drop", "ALL",
		"--cap-add", "NET_BIND_SERVICE",
		"--network", "bridge",
		podSpec.BaseImage,
		"sleep", "infinity",
	)

	return strings.Join(args, " ")
}

// cpuQuota converts fractional cores into the engine's quota against a fixed
// 100ms period, so 0.5 cores becomes 50000
func cpuQuota(cores float64) int {
	return int(math.Floor(cores * 100000))
}

// StartContainer starts the container and verifies it settles into running.
// A container that exits within the settle window fails the start.
func (e *DockerEngine) StartContainer(ctx context.Context, podID string, id string) error {
	command := fmt.Sprintf("%s start %s", e.binary(), id)
	if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "container.start"}); err != nil {
		return err
	}

	e.sleep(ctx, startSettle)

	info, err := e.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if info == nil {
		return errors.Errorf("container %s disappeared after start", id)
	}
	if !info.IsRunning() {
		return errors.Errorf("container %s is %s after start, expected running", info.Name, info.Status)
	}
	return nil
}

// StopContainer stops the container. Stopping one that is already gone is
// not an error.
func (e *DockerEngine) StopContainer(ctx context.Context, podID string, id string) error {
	command := fmt.Sprintf("%s stop %s", e.binary(), id)
	if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "container.stop"}); err != nil && !remote.IsNotFound(err) {
		return err
	}
	return nil
}

// RemoveContainer stops and force-removes the container, optionally cascading
// to the pod's named volumes. A container that is already gone is a no-op,
// but in that case volumes are left alone since the pod id is unknowable.
func (e *DockerEngine) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	info, err := e.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	if err := e.StopContainer(ctx, info.PodID, info.ID); err != nil {
		e.Log.Warn(fmt.Sprintf("stop before remove failed for %s: %v", info.Name, err))
	}

	command := fmt.Sprintf("%s rm -f %s", e.binary(), info.ID)
	if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: info.PodID, Label: "container.remove"}); err != nil && !remote.IsNotFound(err) {
		return err
	}

	if !removeVolumes {
		return nil
	}
	if info.PodID == "" {
		e.Log.Warn(fmt.Sprintf("container %s has no pod id, leaving volumes alone", info.Name))
		return nil
	}
	return e.RemovePodVolumes(ctx, info.PodID)
}

// GetContainer inspects a container by name or id. Absence yields nil rather
// than an error so callers can branch without string matching.
func (e *DockerEngine) GetContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	command := fmt.Sprintf("%s inspect %s", e.binary(), shell.Quote(nameOrID))
	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		if remote.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	parsed, err := parseInspectOutput(output)
	if err != nil || parsed == nil {
		return nil, err
	}
	return parsed.toContainerInfo(), nil
}

// ListContainers inspects every container matching the filters, running or
// not. Containers that vanish between the listing and the inspect are
// skipped.
func (e *DockerEngine) ListContainers(ctx context.Context, filters map[string]string) ([]*ContainerInfo, error) {
	command := fmt.Sprintf("%s ps -a --format {{.Names}}", e.binary())
	for _, key := range sortedKeys(filters) {
		command += fmt.Sprintf(" --filter %s", shell.Quote(fmt.Sprintf("%s=%s", key, filters[key])))
	}

	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		return nil, err
	}

	containers := []*ContainerInfo{}
	for _, name := range utils.SplitLines(output) {
		info, err := e.GetContainer(ctx, name)
		if err != nil {
			return nil, err
		}
		if info != nil {
			containers = append(containers, info)
		}
	}
	return containers, nil
}

// ListPodContainers lists the containers this engine manages, i.e. the ones
// following the pod naming convention
func (e *DockerEngine) ListPodContainers(ctx context.Context) ([]*ContainerInfo, error) {
	containers, err := e.ListContainers(ctx, map[string]string{"name": "pinacle-pod-"})
	if err != nil {
		return nil, err
	}
	return lo.Filter(containers, func(info *ContainerInfo, _ int) bool {
		return info.PodID != ""
	}), nil
}

// ExecInContainer runs an argv inside the container, preserving each argument
// byte for byte through both quoting layers
func (e *DockerEngine) ExecInContainer(ctx context.Context, podID string, containerID string, argv []string) (*ExecResult, error) {
	return e.ExecShellInContainer(ctx, podID, containerID, shell.Join(argv))
}

// ExecShellInContainer runs a shell script inside the container. On non-zero
// exit the result carries the captured streams alongside the error so callers
// can report what the command said.
func (e *DockerEngine) ExecShellInContainer(ctx context.Context, podID string, containerID string, script string) (*ExecResult, error) {
	command := fmt.Sprintf("%s exec %s sh -c %s", e.binary(), containerID, shell.SingleQuoteWrap(script))
	stdout, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "container.exec", ContainerCommand: script})
	if err != nil {
		cmdErr := &remote.CommandError{}
		if errors.As(err, &cmdErr) {
			return &ExecResult{Stdout: cmdErr.Stdout, Stderr: cmdErr.Stderr, ExitCode: cmdErr.ExitCode}, err
		}
		return nil, err
	}
	return &ExecResult{Stdout: stdout}, nil
}

// ContainerLogs fetches the container's output with both streams combined.
// The remote login shell interprets the redirect, so stderr merges before the
// transport sees it.
func (e *DockerEngine) ContainerLogs(ctx context.Context, id string, tail int, follow bool) (string, error) {
	command := fmt.Sprintf("%s logs", e.binary())
	if tail > 0 {
		command += fmt.Sprintf(" --tail %d", tail)
	}
	if follow {
		command += " --follow"
	}
	command += fmt.Sprintf(" %s 2>&1", shell.Quote(id))

	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		return "", err
	}
	return utils.NormalizeLinefeeds(output), nil
}

// ValidateSandboxRuntime verifies the host engine has the sandboxed runtime
// installed before we schedule anything onto it
func (e *DockerEngine) ValidateSandboxRuntime(ctx context.Context) error {
	command := fmt.Sprintf("%s info --format '{{json .Runtimes}}'", e.binary())
	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		return err
	}

	runtimes := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &runtimes); err != nil {
		return utils.WrapError(err)
	}

	runtime := e.Config.UserConfig.Engine.SandboxRuntime
	if _, ok := runtimes[runtime]; !ok {
		return errors.Errorf("runtime %q is not installed on host %s", runtime, e.runner.Target().Host)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
