// Package engine drives a container engine on a remote host through its CLI,
// pinning every pod to a sandboxed user-space kernel runtime.
package engine

import (
	"regexp"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// ContainerStatus is the domain view of an engine container state
type ContainerStatus string

const (
	ContainerCreated ContainerStatus = "created"
	ContainerRunning ContainerStatus = "running"
	ContainerPaused  ContainerStatus = "paused"
	ContainerStopped ContainerStatus = "stopped"
	ContainerDead    ContainerStatus = "dead"
)

// statusFromEngine maps an engine state string onto the domain enum. The
// engine's exited state is our stopped; transient states collapse into the
// closest stable one.
func statusFromEngine(state string) ContainerStatus {
	switch state {
	case "created":
		return ContainerCreated
	case "running", "restarting":
		return ContainerRunning
	case "paused":
		return ContainerPaused
	case "exited", "stopped":
		return ContainerStopped
	default:
		return ContainerDead
	}
}

// ContainerInfo is what we observed about a container on the host. PodID is
// recovered from the container name, the authoritative back-pointer.
type ContainerInfo struct {
	ID         string
	Name       string
	Status     ContainerStatus
	PodID      string
	InternalIP string
	Ports      []spec.PortMapping
	CreatedAt  time.Time
	StartedAt  time.Time
	StoppedAt  time.Time
}

// IsRunning reports whether the container was running when observed
func (c *ContainerInfo) IsRunning() bool {
	return c != nil && c.Status == ContainerRunning
}

// ExecResult is the outcome of a command run inside a container
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

var podNamePattern = regexp.MustCompile(`^pinacle-pod-(.+)$`)

// PodIDFromContainerName recovers the pod id from a container name following
// the pinacle-pod-{podId} convention, or "" when the name is foreign
func PodIDFromContainerName(name string) string {
	matches := podNamePattern.FindStringSubmatch(name)
	if matches == nil {
		return ""
	}
	return matches[1]
}
