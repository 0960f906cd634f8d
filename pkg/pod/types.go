// Package pod owns the lifecycle of pods on a host: the state machine from
// pending to running to deleted, the create pipeline with its reverse-order
// cleanup, and the lifecycle events subscribers can watch. All state here is
// in-memory; persistence belongs to the orchestrator above.
package pod

import (
	"fmt"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// Status is where a pod stands in its lifecycle
type Status string

const (
	// StatusPending means the pod is registered but nothing ran yet
	StatusPending Status = "pending"
	// StatusProvisioning means the create pipeline is mutating the host
	StatusProvisioning Status = "provisioning"
	// StatusStarting means the container is up but services are not
	StatusStarting Status = "starting"
	// StatusRunning means container and services are up
	StatusRunning Status = "running"
	// StatusStopping means an orderly stop is in progress
	StatusStopping Status = "stopping"
	// StatusStopped means the container is down but the pod still exists
	StatusStopped Status = "stopped"
	// StatusTerminating means the pod is being deleted
	StatusTerminating Status = "terminating"
	// StatusFailed is terminal until a new create retries the pod
	StatusFailed Status = "failed"
)

// Instance is the manager's in-memory image of one pod
type Instance struct {
	Spec        *spec.PodSpec
	ContainerID string
	Status      Status
	CreatedAt   time.Time

	// LastError keeps the most recent non-fatal trouble, like a user
	// process that would not start while the pod itself kept running
	LastError string
}

// FailureKind classifies where in the lifecycle an operation failed, so a
// caller can tell a container problem from a service problem without string
// matching
type FailureKind string

const (
	FailureConfigInvalid     FailureKind = "config_invalid"
	FailureNetworkAllocation FailureKind = "network_allocation_exhausted"
	FailureNetworkSetup      FailureKind = "network_setup_failed"
	FailureContainerCreate   FailureKind = "container_create_failed"
	FailureContainerStart    FailureKind = "container_start_failed"
	FailureRepoSetup         FailureKind = "repo_setup_failed"
	FailureServiceProvision  FailureKind = "service_provision_failed"
	FailureServiceStart      FailureKind = "service_start_failed"
	FailureInstall           FailureKind = "install_failed"
	FailureProcessStart      FailureKind = "process_start_failed"
	FailureContainerStop     FailureKind = "container_stop_failed"
	FailureDelete            FailureKind = "delete_failed"
)

// LifecycleError wraps a step failure with its classification
type LifecycleError struct {
	Kind  FailureKind
	PodID string
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("pod %s: %s: %v", e.PodID, e.Kind, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
