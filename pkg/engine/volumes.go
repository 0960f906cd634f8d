package engine

import (
	"context"
	"fmt"

	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// UniversalMount is one of the fixed volume roles every pod gets
type UniversalMount struct {
	Role string
	Path string
}

// UniversalMounts give a pod VM-like persistence: packages installed through
// the distro package manager, global tool installs and service state all
// survive container recreation. /tmp, /proc, /sys, /dev and /run stay
// ephemeral.
var UniversalMounts = []UniversalMount{
	{Role: "workspace", Path: "/workspace"},
	{Role: "home", Path: "/home"},
	{Role: "root", Path: "/root"},
	{Role: "etc", Path: "/etc"},
	{Role: "usr-local", Path: "/usr/local"},
	{Role: "opt", Path: "/opt"},
	{Role: "var", Path: "/var"},
	{Role: "srv", Path: "/srv"},
}

// EnsureUniversalVolumes creates the pod's named volumes. Creating a volume
// that already exists is a no-op on the engine side, which is what makes
// container recreation safe.
func (e *DockerEngine) EnsureUniversalVolumes(ctx context.Context, podID string) error {
	for _, mount := range UniversalMounts {
		command := fmt.Sprintf("%s volume create %s", e.binary(), spec.VolumeName(podID, mount.Role))
		if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "volume.create"}); err != nil {
			return err
		}
	}
	return nil
}

// ListPodVolumes returns the names of the volumes belonging to a pod
func (e *DockerEngine) ListPodVolumes(ctx context.Context, podID string) ([]string, error) {
	command := fmt.Sprintf("%s volume ls --filter name=%s --format {{.Name}}", e.binary(), spec.VolumePrefix(podID))
	output, err := e.runner.Exec(ctx, command, remote.ExecOpts{})
	if err != nil {
		return nil, err
	}
	return utils.SplitLines(output), nil
}

// RemovePodVolumes removes every volume belonging to the pod. This destroys
// the pod's data. Individual failures are logged and skipped so one busy
// volume does not strand the rest.
func (e *DockerEngine) RemovePodVolumes(ctx context.Context, podID string) error {
	volumes, err := e.ListPodVolumes(ctx, podID)
	if err != nil {
		return err
	}

	for _, volume := range volumes {
		command := fmt.Sprintf("%s volume rm %s", e.binary(), volume)
		if _, err := e.runner.Exec(ctx, command, remote.ExecOpts{PodID: podID, Label: "volume.remove"}); err != nil && !remote.IsNotFound(err) {
			e.Log.Warn(fmt.Sprintf("failed to remove volume %s: %v", volume, err))
		}
	}
	return nil
}
