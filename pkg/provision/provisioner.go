package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"
	"github.com/subosito/gotenv"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/gitrepo"
	"github.com/pinacle-sh/pinacle/pkg/netman"
	"github.com/pinacle-sh/pinacle/pkg/pod"
	"github.com/pinacle-sh/pinacle/pkg/process"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/services"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/store"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

// ProvisionRequest asks for one pod to be placed and brought up. The pod's
// declarative config travels on its record; the request only carries what
// the record doesn't hold.
type ProvisionRequest struct {
	PodID string

	// ServerID pins the pod to a host. Empty picks the least loaded
	// online server.
	ServerID string

	GithubBranch string
	RepoSetup    *spec.RepoSetup

	// HasPinacleYaml hints that the source repo carries its own config
	// file. The workspace probe decides either way before any write, so
	// the hint is informational.
	HasPinacleYaml bool
}

// Provisioner turns pod records into running pods. It owns the mapping from
// servers to per-host pod managers and serializes requests per pod, so two
// calls for the same pod can never interleave on the host.
type Provisioner struct {
	Log    *logrus.Entry
	Config *config.AppConfig

	store   *store.Store
	runners *remote.Pool
	usage   UsageTracker

	runnerFor  func(server *store.Server) remote.Runner
	managerFor func(server *store.Server) *pod.Manager

	mutex    sync.Mutex
	managers map[string]*pod.Manager
	locks    *podLocks
}

// NewProvisioner creates a provisioner over the given record store and
// runner pool. A nil usage tracker falls back to logging.
func NewProvisioner(log *logrus.Entry, config *config.AppConfig, recordStore *store.Store, runners *remote.Pool, usage UsageTracker) *Provisioner {
	if usage == nil {
		usage = &LogUsageTracker{Log: log}
	}
	provisioner := &Provisioner{
		Log:      log,
		Config:   config,
		store:    recordStore,
		runners:  runners,
		usage:    usage,
		managers: map[string]*pod.Manager{},
		locks:    newPodLocks(),
	}
	provisioner.runnerFor = provisioner.pooledRunner
	provisioner.managerFor = provisioner.hostManager
	return provisioner
}

// SetRunnerSource swaps how host runners are obtained.
// To be used for testing only
func (p *Provisioner) SetRunnerSource(source func(server *store.Server) remote.Runner) {
	p.runnerFor = source
}

// SetManagerSource swaps how per-host pod managers are built.
// To be used for testing only
func (p *Provisioner) SetManagerSource(source func(server *store.Server) *pod.Manager) {
	p.managerFor = source
}

// ProvisionPod places the pod on a host and drives it to running. On
// failure the record is marked error and, when cleanupOnError is set, any
// host remnants are swept by name convention before the error is re-raised.
func (p *Provisioner) ProvisionPod(ctx context.Context, req ProvisionRequest, cleanupOnError bool) (*pod.Instance, error) {
	release := p.locks.Acquire(req.PodID)
	defer release()

	record, err := p.store.GetPod(req.PodID)
	if err != nil {
		return nil, utils.WrapError(err)
	}

	server, err := p.pickServer(req.ServerID)
	if err != nil {
		return nil, p.markError(record.ID, err)
	}

	runner := p.runnerFor(server)
	if err := runner.Ping(ctx); err != nil {
		return nil, p.markError(record.ID, errors.Errorf("server %s is unreachable: %v", server.ID, err))
	}

	if err := p.store.AssignPodServer(record.ID, server.ID); err != nil {
		return nil, p.markError(record.ID, utils.WrapError(err))
	}
	if err := p.store.UpdatePodStatus(record.ID, store.StatusProvisioning); err != nil {
		return nil, p.markError(record.ID, utils.WrapError(err))
	}
	p.Log.Info(fmt.Sprintf("pod %s: provisioning on server %s (%s)", record.ID, server.ID, server.Host))

	if strings.TrimSpace(record.Spec) == "" {
		return nil, p.markError(record.ID, errors.Errorf("pod %s has no config to provision from", record.ID))
	}
	cfg, err := spec.Parse([]byte(record.Spec))
	if err != nil {
		return nil, p.markError(record.ID, err)
	}

	dotenv, err := p.dotenvFor(record.ID)
	if err != nil {
		return nil, p.markError(record.ID, err)
	}
	var environment map[string]string
	if dotenv != "" {
		environment = gotenv.Parse(strings.NewReader(dotenv))
	}

	repoSetup, branch := repoInputs(req, record)
	podSpec, err := spec.Expand(cfg, spec.ExpandInputs{
		ID:           record.ID,
		Name:         record.Name,
		Slug:         record.Slug,
		Environment:  environment,
		GithubBranch: branch,
		RepoSetup:    repoSetup,
	})
	if err != nil {
		return nil, p.markError(record.ID, err)
	}
	if req.HasPinacleYaml {
		p.Log.Debug(fmt.Sprintf("pod %s: repo carries its own %s, the workspace copy wins", record.ID, spec.ConfigFileName))
	}

	hostEngine := engine.NewDockerEngine(p.Log, p.Config, runner)
	if err := hostEngine.ValidateSandboxRuntime(ctx); err != nil {
		return nil, p.markError(record.ID, errors.Errorf("server %s cannot run sandboxed pods: %v", server.ID, err))
	}

	manager := p.managerFor(server)
	instance, err := manager.CreatePod(ctx, podSpec)
	if err != nil {
		return nil, p.failProvision(ctx, manager, record.ID, err, cleanupOnError)
	}

	p.writeDotenv(ctx, manager, podSpec, dotenv)

	if err := p.persistRunning(record, podSpec, instance); err != nil {
		return nil, p.failProvision(ctx, manager, record.ID, err, cleanupOnError)
	}

	p.recordUsage(ctx, record.ID, server.ID, "provisioned")
	p.Log.Info(fmt.Sprintf("pod %s: provisioned on server %s", record.ID, server.ID))
	return instance, nil
}

// pickServer resolves the requested host, or the least loaded online one
// when the request doesn't pin a server
func (p *Provisioner) pickServer(serverID string) (*store.Server, error) {
	if serverID != "" {
		server, err := p.store.GetServer(serverID)
		if err != nil {
			return nil, utils.WrapError(err)
		}
		if server.Status != store.ServerOnline {
			return nil, errors.Errorf("server %s is %s, expected online", server.ID, server.Status)
		}
		return server, nil
	}

	server, err := p.store.NextOnlineServer()
	if errors.Is(err, store.ErrNotFound) {
		return nil, errors.Errorf("no online server available")
	}
	if err != nil {
		return nil, utils.WrapError(err)
	}
	return server, nil
}

// repoInputs resolves the pod's source repository. A setup on the request
// wins; otherwise a repository recorded by an earlier provision is attached
// again as an existing repo, so re-provisioning keeps the workspace's source.
func repoInputs(req ProvisionRequest, record *store.Pod) (*spec.RepoSetup, string) {
	setup := req.RepoSetup
	if setup == nil && record.RepoURL != "" {
		setup = &spec.RepoSetup{Type: spec.RepoSetupExisting, Repository: record.RepoURL}
	}
	branch := req.GithubBranch
	if branch == "" {
		branch = record.RepoBranch
	}
	return setup, branch
}

// dotenvFor loads the pod's stored env-set. No stored content is not an
// error; the pod just runs without one.
func (p *Provisioner) dotenvFor(podID string) (string, error) {
	dotenv, err := p.store.GetDotenv(podID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", utils.WrapError(err)
	}
	return dotenv.Content, nil
}

// writeDotenv drops the raw env-set into the workspace of a pod that has a
// source repository. Best-effort: the same values already reached every
// service and process through the expanded environment.
func (p *Provisioner) writeDotenv(ctx context.Context, manager *pod.Manager, podSpec *spec.PodSpec, dotenv string) {
	if dotenv == "" || podSpec.RepoSetup == nil {
		return
	}
	envPath := path.Join(podSpec.WorkDir(), ".env")
	if err := manager.WriteFileInPod(ctx, podSpec.ID, envPath, dotenv, "0600"); err != nil {
		p.Log.Warn(fmt.Sprintf("pod %s: could not write %s: %v", podSpec.ID, envPath, err))
	}
}

// persistRunning writes everything provisioning decided back onto the
// record: the round-tripped config, the container id, addresses, the port
// map and the public URL.
func (p *Provisioner) persistRunning(record *store.Pod, podSpec *spec.PodSpec, instance *pod.Instance) error {
	serialized, err := spec.Serialize(spec.ToConfig(podSpec))
	if err != nil {
		return err
	}
	if err := p.store.UpdatePodSpec(record.ID, serialized); err != nil {
		return utils.WrapError(err)
	}

	// the manager binds GithubRepo only after the clone or the initial
	// push landed, so a failed template push leaves the record's
	// repository untouched
	if podSpec.GithubRepo != "" {
		if err := p.store.SetPodRepo(record.ID, podSpec.GithubRepo, podSpec.GithubBranch); err != nil {
			return utils.WrapError(err)
		}
	}

	if err := p.store.SetPodNetwork(record.ID, podSpec.Network.Subnet, proxyPort(podSpec)); err != nil {
		return utils.WrapError(err)
	}

	ports, err := json.Marshal(podSpec.Network.Ports)
	if err != nil {
		return utils.WrapError(err)
	}
	url := spec.PublicURL(record.Slug, p.Config.UserConfig.BaseDomain)
	if err := p.store.MarkPodRunning(record.ID, instance.ContainerID, podSpec.Network.PodIP, string(ports), url); err != nil {
		return utils.WrapError(err)
	}
	return nil
}

// failProvision sweeps host remnants by name convention when asked and
// records the failure. The manager already unwound its own steps; the sweep
// catches what an interrupted unwind may have left behind.
func (p *Provisioner) failProvision(ctx context.Context, manager *pod.Manager, podID string, cause error, cleanupOnError bool) error {
	if cleanupOnError {
		p.Log.Warn(fmt.Sprintf("pod %s: provision failed, sweeping the host: %v", podID, cause))
		if err := manager.CleanupPod(ctx, podID); err != nil {
			p.Log.Warn(fmt.Sprintf("pod %s: sweep after failed provision: %v", podID, err))
		}
	}
	return p.markError(podID, cause)
}

// markError records the failure on the pod and hands the cause back
func (p *Provisioner) markError(podID string, cause error) error {
	if err := p.store.MarkPodError(podID, cause.Error()); err != nil {
		p.Log.Warn(fmt.Sprintf("pod %s: error state not recorded: %v", podID, err))
	}
	return cause
}

func (p *Provisioner) recordUsage(ctx context.Context, podID, serverID, action string) {
	event := UsageEvent{PodID: podID, ServerID: serverID, Action: action, At: time.Now()}
	if err := p.usage.Record(ctx, event); err != nil {
		p.Log.Warn(fmt.Sprintf("pod %s: usage event %q not recorded: %v", podID, action, err))
	}
}

// pooledRunner is the default runner source, an SSH runner from the shared
// pool keyed by the server's record
func (p *Provisioner) pooledRunner(server *store.Server) remote.Runner {
	return p.runners.Runner(p.targetFor(server))
}

func (p *Provisioner) targetFor(server *store.Server) remote.Target {
	port := server.Port
	if port == 0 {
		port = p.Config.UserConfig.SSH.Port
	}
	return remote.Target{
		ID:   server.ID,
		Name: server.Name,
		Host: server.Host,
		Port: port,
		User: p.Config.UserConfig.SSH.User,
	}
}

// hostManager is the default manager source. Each server gets one pod
// manager wired over its runner, built lazily and reused across requests.
func (p *Provisioner) hostManager(server *store.Server) *pod.Manager {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if manager, ok := p.managers[server.ID]; ok {
		return manager
	}

	runner := p.runnerFor(server)
	containerEngine := engine.NewDockerEngine(p.Log, p.Config, runner)
	network := netman.NewManager(p.Log, p.Config, runner)
	p.seedReservedPorts(network, server.ID)
	manager := pod.NewManager(
		p.Log,
		p.Config,
		containerEngine,
		network,
		services.NewProvisioner(p.Log, p.Config, containerEngine),
		process.NewProvisioner(p.Log, p.Config, containerEngine),
		gitrepo.NewIntegrator(p.Log, p.Config, containerEngine),
	)
	p.managers[server.ID] = manager
	return manager
}

// seedReservedPorts reloads the host's proxy-port reservations from the
// records. The allocator only knows what this process allocated, so without
// the reload a restarted control plane could hand a stopped pod's port to a
// new one.
func (p *Provisioner) seedReservedPorts(network *netman.Manager, serverID string) {
	pods, err := p.store.ListPodsByServer(serverID)
	if err != nil {
		p.Log.Warn(fmt.Sprintf("server %s: recorded proxy ports not reloaded: %v", serverID, err))
		return
	}
	for _, record := range pods {
		if record.ProxyPort != 0 {
			network.ReservePort(record.ID, record.ProxyPort)
		}
	}
}

// proxyPort digs the pod's single external port out of the expanded pod spec
func proxyPort(podSpec *spec.PodSpec) int {
	for _, mapping := range podSpec.Network.Ports {
		if mapping.Name == spec.ProxyServiceID && mapping.External != 0 {
			return mapping.External
		}
	}
	return 0
}
