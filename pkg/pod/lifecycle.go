package pod

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/services"
	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// StartPod brings a stopped pod back up: the container keeps its volumes and
// network, so only the container, the services and the user processes need
// starting. Process failures do not fail the start, matching CreatePod.
func (m *Manager) StartPod(ctx context.Context, podSpec *spec.PodSpec) (*Instance, error) {
	instance := m.Get(podSpec.ID)
	if instance == nil {
		instance = m.register(podSpec)
	}

	info, err := m.GetPodContainer(ctx, podSpec.ID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.Errorf("pod %s has no container to start", podSpec.ID)
	}
	instance.ContainerID = info.ID

	fail := func(kind FailureKind, cause error) (*Instance, error) {
		failure := &LifecycleError{Kind: kind, PodID: podSpec.ID, Err: cause}
		m.markFailed(instance, failure)
		m.emit(EventFailed, podSpec.ID, failure)
		return nil, failure
	}

	m.setStatus(instance, StatusStarting)
	if !info.IsRunning() {
		if err := m.engine.StartContainer(ctx, podSpec.ID, info.ID); err != nil {
			return fail(FailureContainerStart, err)
		}
	}
	m.network.ApplyPolicies(ctx, podSpec)

	for _, service := range append([]spec.ServiceSpec{proxyService(podSpec)}, m.orderedServices(podSpec)...) {
		if err := m.services.Start(ctx, podSpec, info.ID, service); err != nil {
			return fail(FailureServiceStart, err)
		}
	}

	m.startProcesses(ctx, instance, info.ID, podSpec.RepoSetup.IsExisting())

	m.setStatus(instance, StatusRunning)
	m.emit(EventStarted, podSpec.ID, nil)
	return instance, nil
}

// StopPod winds a running pod down without losing anything: processes first,
// then services in reverse dependency order with the proxy last, then the
// container. Volumes and the network stay for the next start.
func (m *Manager) StopPod(ctx context.Context, podSpec *spec.PodSpec) error {
	instance := m.Get(podSpec.ID)
	if instance != nil {
		m.setStatus(instance, StatusStopping)
	}

	info, err := m.GetPodContainer(ctx, podSpec.ID)
	if err != nil {
		return err
	}
	if info == nil {
		m.Log.Warn(fmt.Sprintf("pod %s: no container to stop", podSpec.ID))
		if instance != nil {
			m.setStatus(instance, StatusStopped)
		}
		return nil
	}

	if info.IsRunning() {
		for _, process := range podSpec.Processes {
			if err := m.processes.StopProcess(ctx, podSpec, info.ID, process); err != nil {
				m.Log.Warn(fmt.Sprintf("pod %s: process %s not stopped: %v", podSpec.ID, process.Name, err))
			}
		}

		ordered := m.orderedServices(podSpec)
		for i := len(ordered) - 1; i >= 0; i-- {
			if err := m.services.Stop(ctx, podSpec, info.ID, ordered[i]); err != nil {
				m.Log.Warn(fmt.Sprintf("pod %s: service %s not stopped: %v", podSpec.ID, ordered[i].Name, err))
			}
		}
		if err := m.services.Stop(ctx, podSpec, info.ID, proxyService(podSpec)); err != nil {
			m.Log.Warn(fmt.Sprintf("pod %s: service %s not stopped: %v", podSpec.ID, spec.ProxyServiceID, err))
		}
	}

	if err := m.engine.StopContainer(ctx, podSpec.ID, info.ID); err != nil {
		failure := &LifecycleError{Kind: FailureContainerStop, PodID: podSpec.ID, Err: err}
		if instance != nil {
			m.markFailed(instance, failure)
		}
		m.emit(EventFailed, podSpec.ID, failure)
		return failure
	}

	if instance != nil {
		m.setStatus(instance, StatusStopped)
	}
	m.emit(EventStopped, podSpec.ID, nil)
	return nil
}

// DeletePod tears a pod down for good. Every step runs even when an earlier
// one fails, so a half-broken pod still loses its container, network and
// ports; the collected errors come back as one.
func (m *Manager) DeletePod(ctx context.Context, podSpec *spec.PodSpec, removeVolumes bool) error {
	instance := m.Get(podSpec.ID)
	if instance != nil {
		m.setStatus(instance, StatusTerminating)
	}

	var result *multierror.Error

	info, err := m.GetPodContainer(ctx, podSpec.ID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if info != nil {
		if err := m.engine.RemoveContainer(ctx, info.ID, removeVolumes); err != nil {
			result = multierror.Append(result, err)
		}
	} else if removeVolumes {
		if err := m.engine.RemovePodVolumes(ctx, podSpec.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := m.network.DestroyPodNetwork(ctx, podSpec.ID, podSpec.Network.Subnet); err != nil {
		result = multierror.Append(result, err)
	}

	m.drop(podSpec.ID)
	m.emit(EventDeleted, podSpec.ID, result.ErrorOrNil())

	if err := result.ErrorOrNil(); err != nil {
		return &LifecycleError{Kind: FailureDelete, PodID: podSpec.ID, Err: err}
	}
	return nil
}

// CleanupPod removes whatever a pod left on the host, found purely by naming
// convention. It is the recovery path for pods the manager no longer tracks,
// so it presses on past individual failures and always destroys volumes.
func (m *Manager) CleanupPod(ctx context.Context, podID string) error {
	var result *multierror.Error

	info, err := m.GetPodContainer(ctx, podID)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if info != nil {
		if err := m.engine.RemoveContainer(ctx, info.ID, true); err != nil {
			result = multierror.Append(result, err)
		}
	} else {
		if err := m.engine.RemovePodVolumes(ctx, podID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// the subnet is unknown here; DestroyPodNetwork skips the firewall rule
	// and still removes the network and releases the ports
	if err := m.network.DestroyPodNetwork(ctx, podID, ""); err != nil {
		result = multierror.Append(result, err)
	}

	m.drop(podID)

	if err := result.ErrorOrNil(); err != nil {
		return &LifecycleError{Kind: FailureDelete, PodID: podID, Err: err}
	}
	return nil
}

// CleanupPodByContainerID is CleanupPod for a container already in hand,
// used when a pod's container exists under a stale or foreign name
func (m *Manager) CleanupPodByContainerID(ctx context.Context, podID string, containerID string, removeVolumes bool) error {
	var result *multierror.Error

	if err := m.engine.RemoveContainer(ctx, containerID, removeVolumes); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.network.DestroyPodNetwork(ctx, podID, ""); err != nil {
		result = multierror.Append(result, err)
	}

	m.drop(podID)

	if err := result.ErrorOrNil(); err != nil {
		return &LifecycleError{Kind: FailureDelete, PodID: podID, Err: err}
	}
	return nil
}

// ExecInPod runs argv in the pod's running container
func (m *Manager) ExecInPod(ctx context.Context, podID string, argv []string) (*engine.ExecResult, error) {
	info, err := m.GetActiveContainerForPodOrThrow(ctx, podID)
	if err != nil {
		return nil, err
	}
	return m.engine.ExecInContainer(ctx, podID, info.ID, argv)
}

// WriteFileInPod places a file inside the pod's running container
func (m *Manager) WriteFileInPod(ctx context.Context, podID string, path string, content string, mode string) error {
	info, err := m.GetActiveContainerForPodOrThrow(ctx, podID)
	if err != nil {
		return err
	}
	return m.engine.WriteFileInContainer(ctx, podID, info.ID, path, content, mode)
}

// GetPodLogs returns the container's log tail. A stopped container still has
// logs, so this only requires that the container exists.
func (m *Manager) GetPodLogs(ctx context.Context, podID string, tail int, follow bool) (string, error) {
	info, err := m.GetPodContainer(ctx, podID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", errors.Errorf("pod %s has no container", podID)
	}
	return m.engine.ContainerLogs(ctx, info.ID, tail, follow)
}

// CheckPodHealth reports whether the pod's container runs and its services
// answer their health checks. It never errors: trouble reads as unhealthy.
func (m *Manager) CheckPodHealth(ctx context.Context, podSpec *spec.PodSpec) bool {
	healthy := true

	info, err := m.GetPodContainer(ctx, podSpec.ID)
	if err != nil || info == nil || !info.IsRunning() {
		healthy = false
	} else {
		for _, service := range append([]spec.ServiceSpec{proxyService(podSpec)}, configServices(podSpec)...) {
			if !m.services.Healthy(ctx, podSpec, info.ID, service) {
				m.Log.Warn(fmt.Sprintf("pod %s: service %s is unhealthy", podSpec.ID, service.Name))
				healthy = false
			}
		}
	}

	m.bus.Publish(Event{
		Type:      EventHealthCheck,
		PodID:     podSpec.ID,
		Timestamp: time.Now(),
		Data:      map[string]string{"healthy": strconv.FormatBool(healthy)},
	})
	return healthy
}

// GetPodContainer finds the pod's container by its conventional name,
// returning nil without error when the host has none
func (m *Manager) GetPodContainer(ctx context.Context, podID string) (*engine.ContainerInfo, error) {
	return m.engine.GetContainer(ctx, spec.ContainerName(podID))
}

// GetActiveContainerForPodOrThrow is GetPodContainer for callers that need a
// running container to act on
func (m *Manager) GetActiveContainerForPodOrThrow(ctx context.Context, podID string) (*engine.ContainerInfo, error) {
	info, err := m.GetPodContainer(ctx, podID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.Errorf("pod %s has no container", podID)
	}
	if !info.IsRunning() {
		return nil, errors.Errorf("pod %s container is %s, expected running", podID, info.Status)
	}
	return info, nil
}

// List returns the tracked instances, oldest first
func (m *Manager) List() []*Instance {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	instances := lo.Values(m.pods)
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].Spec.ID < instances[j].Spec.ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances
}

// orderedServices is the dependency-sorted service list. Ordering problems
// were rejected at create time; if a stale spec still has one, degrade to
// config order rather than refuse to act on the pod.
func (m *Manager) orderedServices(podSpec *spec.PodSpec) []spec.ServiceSpec {
	ordered, err := services.SortByDependencies(configServices(podSpec))
	if err != nil {
		m.Log.Warn(fmt.Sprintf("pod %s: services not orderable, using config order: %v", podSpec.ID, err))
		return configServices(podSpec)
	}
	return ordered
}
