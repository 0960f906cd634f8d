package pod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/gitrepo"
	"github.com/pinacle-sh/pinacle/pkg/netman"
	"github.com/pinacle-sh/pinacle/pkg/services"
	"github.com/pinacle-sh/pinacle/pkg/spec"
)

// ContainerEngine is the slice of the container engine the manager drives
type ContainerEngine interface {
	CreateContainer(ctx context.Context, podSpec *spec.PodSpec) (string, error)
	StartContainer(ctx context.Context, podID string, id string) error
	StopContainer(ctx context.Context, podID string, id string) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	RemovePodVolumes(ctx context.Context, podID string) error
	GetContainer(ctx context.Context, nameOrID string) (*engine.ContainerInfo, error)
	ExecInContainer(ctx context.Context, podID string, containerID string, argv []string) (*engine.ExecResult, error)
	WriteFileInContainer(ctx context.Context, podID string, containerID string, path string, content string, mode string) error
	ContainerLogs(ctx context.Context, id string, tail int, follow bool) (string, error)
}

// NetworkManager is the slice of the network manager the pod manager drives
type NetworkManager interface {
	CreatePodNetwork(ctx context.Context, podID string) (netman.NetworkAddresses, error)
	ConnectContainer(ctx context.Context, podID string, containerID string, podIP string) error
	DestroyPodNetwork(ctx context.Context, podID string, subnet string) error
	ReserveProxyPort(ctx context.Context, podSpec *spec.PodSpec) (int, error)
	ReleasePort(podID string, port int)
	ApplyPolicies(ctx context.Context, podSpec *spec.PodSpec)
}

// ServiceProvisioner provisions and supervises registry services in a pod
type ServiceProvisioner interface {
	Bootstrap(ctx context.Context, podSpec *spec.PodSpec, containerID string) error
	Provision(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error
	Start(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error
	Stop(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error
	Remove(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) error
	Healthy(ctx context.Context, podSpec *spec.PodSpec, containerID string, service spec.ServiceSpec) bool
}

// ProcessProvisioner runs user installs and user apps in a pod
type ProcessProvisioner interface {
	RunInstall(ctx context.Context, podSpec *spec.PodSpec, containerID string, isExistingRepo bool) error
	StartProcess(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec) error
	CheckHealth(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec, isExistingRepo bool, timeout time.Duration) error
	StopProcess(ctx context.Context, podSpec *spec.PodSpec, containerID string, process spec.ProcessSpec) error
}

// RepoIntegrator puts code into a pod's workspace
type RepoIntegrator interface {
	CloneRepository(ctx context.Context, podSpec *spec.PodSpec, containerID string, repo string, branch string, keyPair *spec.SSHKeyPair) error
	InitializeTemplate(ctx context.Context, podSpec *spec.PodSpec, containerID string, templateID string, repo string, keyPair *spec.SSHKeyPair) (bool, error)
	InjectConfig(ctx context.Context, podSpec *spec.PodSpec, containerID string, cfg spec.Config, projectName string) error
}

// Manager drives pod lifecycles on one host. Its state is in-memory only;
// the orchestrator above reconciles it with the persisted records.
type Manager struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	engine    ContainerEngine
	network   NetworkManager
	services  ServiceProvisioner
	processes ProcessProvisioner
	repos     RepoIntegrator

	mutex sync.Mutex
	pods  map[string]*Instance
	bus   *EventBus
}

// NewManager creates a pod manager over one host's managers
func NewManager(log *logrus.Entry, config *config.AppConfig, containerEngine ContainerEngine, network NetworkManager, serviceProvisioner ServiceProvisioner, processProvisioner ProcessProvisioner, repos RepoIntegrator) *Manager {
	return &Manager{
		Log:       log,
		Config:    config,
		engine:    containerEngine,
		network:   network,
		services:  serviceProvisioner,
		processes: processProvisioner,
		repos:     repos,
		pods:      map[string]*Instance{},
		bus:       NewEventBus(),
	}
}

// Subscribe returns a channel of this manager's lifecycle events
func (m *Manager) Subscribe() <-chan Event {
	return m.bus.Subscribe()
}

// CreatePod drives a validated spec onto the host. Steps run in strict
// order and each mutating step registers its undo; any failure unwinds the
// completed steps in reverse, so no partial pod outlives the error.
func (m *Manager) CreatePod(ctx context.Context, podSpec *spec.PodSpec) (*Instance, error) {
	if err := validateSpec(podSpec); err != nil {
		return nil, err
	}
	ordered, err := services.SortByDependencies(configServices(podSpec))
	if err != nil {
		return nil, &LifecycleError{Kind: FailureConfigInvalid, PodID: podSpec.ID, Err: err}
	}

	instance := m.register(podSpec)
	m.setStatus(instance, StatusProvisioning)

	var undo []func(context.Context)
	fail := func(kind FailureKind, cause error) (*Instance, error) {
		if errors.Is(cause, netman.ErrSubnetExhausted) || errors.Is(cause, netman.ErrPortExhausted) {
			kind = FailureNetworkAllocation
		}
		failure := &LifecycleError{Kind: kind, PodID: podSpec.ID, Err: cause}
		m.Log.Error(fmt.Sprintf("pod %s: create failed, unwinding %d steps: %v", podSpec.ID, len(undo), failure))
		m.unwind(undo)
		m.markFailed(instance, failure)
		m.emit(EventFailed, podSpec.ID, failure)
		return nil, failure
	}

	addresses, err := m.network.CreatePodNetwork(ctx, podSpec.ID)
	if err != nil {
		return fail(FailureNetworkSetup, err)
	}
	podSpec.Network.Subnet = addresses.Subnet
	podSpec.Network.PodIP = addresses.PodIP
	podSpec.Network.GatewayIP = addresses.GatewayIP
	undo = append(undo, func(ctx context.Context) {
		if err := m.network.DestroyPodNetwork(ctx, podSpec.ID, addresses.Subnet); err != nil {
			m.Log.Warn(fmt.Sprintf("pod %s: network not destroyed during unwind: %v", podSpec.ID, err))
		}
	})

	proxyPort, err := m.network.ReserveProxyPort(ctx, podSpec)
	if err != nil {
		return fail(FailureNetworkAllocation, err)
	}
	undo = append(undo, func(context.Context) {
		m.network.ReleasePort(podSpec.ID, proxyPort)
	})

	containerID, err := m.engine.CreateContainer(ctx, podSpec)
	if err != nil {
		return fail(FailureContainerCreate, err)
	}
	instance.ContainerID = containerID
	undo = append(undo, func(ctx context.Context) {
		if err := m.engine.RemoveContainer(ctx, containerID, true); err != nil {
			m.Log.Warn(fmt.Sprintf("pod %s: container not removed during unwind: %v", podSpec.ID, err))
		}
	})

	if err := m.network.ConnectContainer(ctx, podSpec.ID, containerID, podSpec.Network.PodIP); err != nil {
		return fail(FailureNetworkSetup, err)
	}

	m.setStatus(instance, StatusStarting)
	if err := m.engine.StartContainer(ctx, podSpec.ID, containerID); err != nil {
		return fail(FailureContainerStart, err)
	}
	m.network.ApplyPolicies(ctx, podSpec)

	if podSpec.RepoSetup != nil {
		if err := m.setupRepository(ctx, podSpec, containerID); err != nil {
			return fail(FailureRepoSetup, err)
		}
	}

	if err := m.services.Bootstrap(ctx, podSpec, containerID); err != nil {
		return fail(FailureServiceProvision, err)
	}
	for _, service := range append([]spec.ServiceSpec{proxyService(podSpec)}, ordered...) {
		if err := m.services.Provision(ctx, podSpec, containerID, service); err != nil {
			return fail(FailureServiceProvision, err)
		}
	}

	for _, service := range append([]spec.ServiceSpec{proxyService(podSpec)}, ordered...) {
		if err := m.services.Start(ctx, podSpec, containerID, service); err != nil {
			return fail(FailureServiceStart, err)
		}
	}
	for _, service := range ordered {
		for _, port := range service.Ports {
			m.Log.Info(fmt.Sprintf("pod %s: %s listening at %s", podSpec.ID, service.Name, spec.ServiceURL(podSpec.Slug, m.Config.UserConfig.BaseDomain, port.Internal)))
		}
	}

	isExistingRepo := podSpec.RepoSetup.IsExisting()
	if err := m.processes.RunInstall(ctx, podSpec, containerID, isExistingRepo); err != nil {
		return fail(FailureInstall, err)
	}

	m.startProcesses(ctx, instance, containerID, isExistingRepo)

	m.setStatus(instance, StatusRunning)
	m.emit(EventCreated, podSpec.ID, nil)
	m.Log.Info(fmt.Sprintf("pod %s: running in container %s on port %d", podSpec.ID, containerID, proxyPort))
	return instance, nil
}

// startProcesses brings the user's apps up. Their failures never take the
// pod down: the workspace and services stay usable, the trouble lands on
// the instance and in the event stream.
func (m *Manager) startProcesses(ctx context.Context, instance *Instance, containerID string, isExistingRepo bool) {
	podSpec := instance.Spec
	timeout := m.Config.UserConfig.Provision.HealthCheckTimeout

	for _, process := range podSpec.Processes {
		if err := m.processes.StartProcess(ctx, podSpec, containerID, process); err != nil {
			failure := &LifecycleError{Kind: FailureProcessStart, PodID: podSpec.ID, Err: err}
			m.Log.Warn(fmt.Sprintf("pod %s: process %s did not start: %v", podSpec.ID, process.Name, err))
			m.noteError(instance, failure)
			m.emit(EventFailed, podSpec.ID, failure)
			continue
		}
		if err := m.processes.CheckHealth(ctx, podSpec, containerID, process, isExistingRepo, timeout); err != nil {
			m.Log.Warn(fmt.Sprintf("pod %s: process %s is unhealthy: %v", podSpec.ID, process.Name, err))
			m.noteError(instance, err)
		}
	}
}

// setupRepository generates the deploy key if the caller did not carry one
// over, then clones or scaffolds per the setup type and drops the config
// file into workspaces that lack one.
func (m *Manager) setupRepository(ctx context.Context, podSpec *spec.PodSpec, containerID string) error {
	setup := podSpec.RepoSetup
	if setup.KeyPair == nil {
		keyPair, err := gitrepo.GenerateKeyPair(podSpec.ID)
		if err != nil {
			return err
		}
		setup.KeyPair = keyPair
	}

	switch setup.Type {
	case spec.RepoSetupNew:
		pushed, err := m.repos.InitializeTemplate(ctx, podSpec, containerID, podSpec.Template, setup.Repository, setup.KeyPair)
		if err != nil {
			return err
		}
		if pushed {
			podSpec.GithubRepo = setup.Repository
		}
	case spec.RepoSetupExisting:
		// an existing setup without a repository attaches to whatever the
		// workspace volume already holds
		if setup.Repository != "" {
			if err := m.repos.CloneRepository(ctx, podSpec, containerID, setup.Repository, podSpec.GithubBranch, setup.KeyPair); err != nil {
				return err
			}
			podSpec.GithubRepo = setup.Repository
		}
	default:
		return errors.Errorf("unknown repo setup type %q", setup.Type)
	}

	if err := m.repos.InjectConfig(ctx, podSpec, containerID, spec.ToConfig(podSpec), podSpec.Name); err != nil {
		m.Log.Warn(fmt.Sprintf("pod %s: config file not written into workspace: %v", podSpec.ID, err))
	}
	return nil
}

// unwind runs the registered undo steps newest-first. The create's context
// may already be canceled, so cleanup gets its own deadline.
func (m *Manager) unwind(undo []func(context.Context)) {
	if len(undo) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.Config.UserConfig.Provision.CommandTimeout)
	defer cancel()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i](ctx)
	}
}

// validateSpec rejects specs that would fail partway through the pipeline:
// unknown registry references and conflicting ports surface here, before
// anything touches the host
func validateSpec(podSpec *spec.PodSpec) error {
	invalid := func(format string, args ...interface{}) error {
		return &LifecycleError{Kind: FailureConfigInvalid, PodID: podSpec.ID, Err: errors.Errorf(format, args...)}
	}

	if podSpec.ID == "" {
		return invalid("pod id is required")
	}
	if podSpec.BaseImage == "" {
		return invalid("base image is required")
	}
	if _, ok := spec.TierByID(podSpec.Tier); !ok {
		return invalid("unknown tier %q", podSpec.Tier)
	}
	for _, service := range podSpec.Services {
		if _, ok := spec.ServiceByID(service.Name); !ok {
			return invalid("unknown service %q", service.Name)
		}
	}

	internal := map[int]string{}
	external := map[int]string{}
	for _, port := range podSpec.Network.Ports {
		if owner, taken := internal[port.Internal]; taken {
			return invalid("port %d is mapped by both %s and %s", port.Internal, owner, port.Name)
		}
		internal[port.Internal] = port.Name
		if port.External == 0 {
			continue
		}
		if owner, taken := external[port.External]; taken {
			return invalid("external port %d is mapped by both %s and %s", port.External, owner, port.Name)
		}
		external[port.External] = port.Name
	}

	names := map[string]bool{}
	for _, process := range podSpec.Processes {
		if process.Name == "" {
			return invalid("process names are required")
		}
		if names[process.Name] {
			return invalid("duplicate process name %q", process.Name)
		}
		names[process.Name] = true
	}
	return nil
}

// proxyService is the pod's ingress. Every pod gets it whether or not the
// config lists it, since the external port routes through it.
func proxyService(podSpec *spec.PodSpec) spec.ServiceSpec {
	for _, service := range podSpec.Services {
		if service.Name == spec.ProxyServiceID {
			return service
		}
	}
	return spec.ServiceSpec{Name: spec.ProxyServiceID, AutoRestart: true}
}

// configServices are the config's services minus the proxy, which is
// sequenced separately ahead of them
func configServices(podSpec *spec.PodSpec) []spec.ServiceSpec {
	return lo.Filter(podSpec.Services, func(service spec.ServiceSpec, _ int) bool {
		return service.Name != spec.ProxyServiceID
	})
}

func (m *Manager) register(podSpec *spec.PodSpec) *Instance {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	instance := &Instance{Spec: podSpec, Status: StatusPending, CreatedAt: time.Now()}
	m.pods[podSpec.ID] = instance
	return instance
}

// Get returns the in-memory instance for a pod, or nil
func (m *Manager) Get(podID string) *Instance {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.pods[podID]
}

func (m *Manager) drop(podID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.pods, podID)
}

func (m *Manager) setStatus(instance *Instance, status Status) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	instance.Status = status
}

func (m *Manager) markFailed(instance *Instance, failure error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	instance.Status = StatusFailed
	instance.LastError = failure.Error()
}

func (m *Manager) noteError(instance *Instance, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	instance.LastError = err.Error()
}

func (m *Manager) emit(eventType EventType, podID string, err error) {
	event := Event{Type: eventType, PodID: podID, Timestamp: time.Now()}
	if err != nil {
		event.Error = err.Error()
	}
	m.bus.Publish(event)
}
