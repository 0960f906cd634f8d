package provision

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/netman"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

const testConfigYAML = `version: "1.0"
tier: dev.small
services:
  - web-terminal
processes:
  - name: web
    startCommand: npm run dev
`

// seededStore builds an in-memory store with one online server and one pod
// record carrying a valid config
func seededStore(t *testing.T) *store.Store {
	t.Helper()
	recordStore := store.NewDummyStore()

	_, err := recordStore.CreateServer("srv1", "host-1", "10.0.0.5", 22)
	assert.NoError(t, err)

	_, err = recordStore.CreatePod("hk21xm9p", "api", "api-hk21xm9p", "dev.small")
	assert.NoError(t, err)
	assert.NoError(t, recordStore.UpdatePodSpec("hk21xm9p", testConfigYAML))

	return recordStore
}

func inspectFixture(name, status string) string {
	return fmt.Sprintf(`[{
		"Id": "4f7a1f2c9d8e",
		"Name": "/%s",
		"Created": "2026-08-25T10:00:00.000000000Z",
		"State": {"Status": "%s", "StartedAt": "2026-08-25T10:00:02.000000000Z", "FinishedAt": "0001-01-01T00:00:00Z"},
		"NetworkSettings": {
			"Ports": {"80/tcp": [{"HostIp": "0.0.0.0", "HostPort": "30000"}]},
			"Networks": {"pinacle-net-hk21xm9p": {"IPAddress": "10.112.1.2", "Gateway": "10.112.1.1"}}
		}
	}]`, name, status)
}

func noSuchObject(name string) *remote.CommandError {
	return &remote.CommandError{ExitCode: 1, Stderr: "Error: No such object: " + name}
}

// happyRunner stubs the minimum for a provision to succeed: no stale
// container under the pod's name, a created container id, and that container
// observed running after start
const runtimesFixture = `{"io.containerd.runc.v2":{"path":"containerd-shim-runc-v2"},"runc":{"path":"runc"},"runsc":{"path":"/usr/local/bin/runsc"}}` + "\n"

func happyRunner() *remote.FakeRunner {
	return remote.NewFakeRunner().
		Stub("docker info", runtimesFixture, nil).
		Stub("inspect pinacle-pod-hk21xm9p", "", noSuchObject("pinacle-pod-hk21xm9p")).
		Stub("docker create", "4f7a1f2c9d8e\n", nil).
		Stub("inspect 4f7a1f2c9d8e", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil)
}

// TestProvisionPod is a function.
func TestProvisionPod(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	instance, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.NoError(t, err)
	assert.EqualValues(t, "4f7a1f2c9d8e", instance.ContainerID)

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusRunning, record.Status)
	assert.True(t, record.ServerID.Valid)
	assert.EqualValues(t, "srv1", record.ServerID.String)
	assert.EqualValues(t, "4f7a1f2c9d8e", record.ContainerID)
	assert.Regexp(t, `^10\.\d+\.1\.2$`, record.InternalIP)
	assert.Regexp(t, `^10\.\d+\.1\.0/24$`, record.Subnet)
	assert.EqualValues(t, 30000, record.ProxyPort)
	assert.EqualValues(t, "https://api-hk21xm9p.pinacle.dev", record.URL)
	assert.True(t, record.StartedAt.Valid)
	assert.Empty(t, record.LastError)

	// the port map and the round-tripped config are persisted on the record
	assert.Contains(t, record.Ports, `"name":"nginx-proxy"`)
	assert.Contains(t, record.Ports, `"external":30000`)
	assert.Contains(t, record.Spec, "tier: dev.small")
	assert.Contains(t, record.Spec, "web-terminal")

	assert.True(t, runner.Ran("docker network create"))
	assert.True(t, runner.Ran("docker create --name pinacle-pod-hk21xm9p"))
	assert.True(t, runner.Ran("docker start 4f7a1f2c9d8e"))
	assert.True(t, runner.Ran("supervisorctl start pinacle-web-terminal"))
	assert.True(t, runner.Ran("tmux new-session -d -s process-hk21xm9p-web"))
}

// TestProvisionPodPinsServer is a function.
func TestProvisionPodPinsServer(t *testing.T) {
	recordStore := seededStore(t)
	_, err := recordStore.CreateServer("srv2", "host-2", "10.0.0.6", 22)
	assert.NoError(t, err)

	provisioner := NewDummyProvisioner(happyRunner(), recordStore)

	_, err = provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p", ServerID: "srv2"}, true)
	assert.NoError(t, err)

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, "srv2", record.ServerID.String)
}

// TestProvisionPodPicksLeastLoadedServer is a function.
func TestProvisionPodPicksLeastLoadedServer(t *testing.T) {
	recordStore := seededStore(t)
	_, err := recordStore.CreateServer("srv2", "host-2", "10.0.0.6", 22)
	assert.NoError(t, err)

	// srv1 already hosts a live pod, so the empty srv2 wins
	_, err = recordStore.CreatePod("other", "other", "other-aaaa", "dev.small")
	assert.NoError(t, err)
	assert.NoError(t, recordStore.AssignPodServer("other", "srv1"))
	assert.NoError(t, recordStore.UpdatePodStatus("other", store.StatusRunning))

	provisioner := NewDummyProvisioner(happyRunner(), recordStore)

	_, err = provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.NoError(t, err)

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, "srv2", record.ServerID.String)
}

// TestProvisionPodRejectsOfflineServer is a function.
func TestProvisionPodRejectsOfflineServer(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.SetServerStatus("srv1", store.ServerOffline))

	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p", ServerID: "srv1"}, true)
	assert.ErrorContains(t, err, "server srv1 is offline, expected online")
	assert.Empty(t, runner.Commands())

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.Contains(t, record.LastError, "expected online")
}

// TestProvisionPodWithoutOnlineServer is a function.
func TestProvisionPodWithoutOnlineServer(t *testing.T) {
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.SetServerStatus("srv1", store.ServerOffline))

	provisioner := NewDummyProvisioner(happyRunner(), recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, "no online server available")

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
}

// TestProvisionPodWithoutRecord is a function.
func TestProvisionPodWithoutRecord(t *testing.T) {
	provisioner := NewDummyProvisioner(happyRunner(), store.NewDummyStore())

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "ghost"}, true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type unreachableRunner struct {
	*remote.FakeRunner
}

func (r *unreachableRunner) Ping(context.Context) error {
	return fmt.Errorf("dial tcp 10.0.0.5:22: connect: connection refused")
}

// TestProvisionPodUnreachableServer is a function.
func TestProvisionPodUnreachableServer(t *testing.T) {
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(&unreachableRunner{happyRunner()}, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, "server srv1 is unreachable")

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.False(t, record.ServerID.Valid)
}

// TestProvisionPodRejectsHostWithoutSandboxRuntime is a function.
func TestProvisionPodRejectsHostWithoutSandboxRuntime(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("docker info", `{"runc":{"path":"runc"}}`+"\n", nil)
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, "server srv1 cannot run sandboxed pods")
	assert.ErrorContains(t, err, `runtime "runsc" is not installed on host test-host`)
	assert.False(t, runner.Ran("docker create"))

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.Contains(t, record.LastError, "runsc")
}

// TestProvisionPodWithoutConfig is a function.
func TestProvisionPodWithoutConfig(t *testing.T) {
	recordStore := store.NewDummyStore()
	_, err := recordStore.CreateServer("srv1", "host-1", "10.0.0.5", 22)
	assert.NoError(t, err)
	_, err = recordStore.CreatePod("hk21xm9p", "api", "api-hk21xm9p", "dev.small")
	assert.NoError(t, err)

	provisioner := NewDummyProvisioner(happyRunner(), recordStore)

	_, err = provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, "pod hk21xm9p has no config to provision from")

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.EqualValues(t, "srv1", record.ServerID.String)
}

// TestProvisionPodInvalidConfig is a function.
func TestProvisionPodInvalidConfig(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.UpdatePodSpec("hk21xm9p", "version: \"1.0\"\ntier: dev.galactic\nservices:\n  - web-terminal\n"))

	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, `unknown tier "dev.galactic"`)

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.Contains(t, record.LastError, "unknown tier")

	// validation fails before any host mutation
	assert.False(t, runner.Ran("docker"))
}

// TestProvisionPodWritesDotenv is a function.
func TestProvisionPodWritesDotenv(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.SetDotenv("hk21xm9p", "API_KEY=secret\nDEBUG=true\n"))

	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{
		PodID:        "hk21xm9p",
		GithubBranch: "main",
		RepoSetup:    &spec.RepoSetup{Type: spec.RepoSetupExisting, Repository: "acme/api"},
	}, true)
	assert.NoError(t, err)

	assert.True(t, runner.Ran("git@github.com:acme/api.git"))
	assert.True(t, runner.Ran("cat > /workspace/.env"))
	assert.True(t, runner.Ran("chmod 0600 /workspace/.env"))
}

// TestProvisionPodRecordsRepo is a function.
func TestProvisionPodRecordsRepo(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{
		PodID:        "hk21xm9p",
		GithubBranch: "develop",
		RepoSetup:    &spec.RepoSetup{Type: spec.RepoSetupExisting, Repository: "acme/api"},
	}, true)
	assert.NoError(t, err)

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, "acme/api", record.RepoURL)
	assert.EqualValues(t, "develop", record.RepoBranch)
}

// TestProvisionPodReclonesRecordedRepo re-attaches the recorded repository
// when the request carries no setup of its own
func TestProvisionPodReclonesRecordedRepo(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.SetPodRepo("hk21xm9p", "acme/api", "develop"))

	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.NoError(t, err)

	assert.True(t, runner.Ran("git@github.com:acme/api.git"))
	assert.True(t, runner.Ran("git checkout -q -B develop origin/develop"))
}

// TestProvisionPodSkipsDotenvWithoutRepo is a function.
func TestProvisionPodSkipsDotenvWithoutRepo(t *testing.T) {
	runner := happyRunner()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.SetDotenv("hk21xm9p", "API_KEY=secret\n"))

	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.NoError(t, err)
	assert.False(t, runner.Ran("cat > /workspace/.env"))
}

// TestProvisionPodCreateFailureSweepsHost is a function.
func TestProvisionPodCreateFailureSweepsHost(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("docker info", runtimesFixture, nil).
		Stub("inspect pinacle-pod-hk21xm9p", "", noSuchObject("pinacle-pod-hk21xm9p")).
		Stub("docker create", "", &remote.CommandError{ExitCode: 125, Stderr: "no space left on device"}).
		Stub("inspect 4f7a1f2c9d8e", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil)
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.ErrorContains(t, err, "container_create_failed")

	record, getErr := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, getErr)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.Contains(t, record.LastError, "no space left on device")

	// the sweep re-checks for leftovers by name convention
	assert.True(t, runner.Ran("docker volume ls --filter name=pinacle-vol-hk21xm9p-"))
	assert.True(t, runner.Ran("docker network rm pinacle-net-hk21xm9p"))
}

// TestProvisionPodCreateFailureWithoutCleanup is a function.
func TestProvisionPodCreateFailureWithoutCleanup(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("docker info", runtimesFixture, nil).
		Stub("inspect pinacle-pod-hk21xm9p", "", noSuchObject("pinacle-pod-hk21xm9p")).
		Stub("docker create", "", &remote.CommandError{ExitCode: 125, Stderr: "no space left on device"}).
		Stub("inspect 4f7a1f2c9d8e", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil)
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, false)
	assert.ErrorContains(t, err, "container_create_failed")

	record, getErr := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, getErr)
	assert.EqualValues(t, store.StatusError, record.Status)
	assert.False(t, runner.Ran("docker volume ls"))
}

type capturingTracker struct {
	events []UsageEvent
}

func (t *capturingTracker) Record(_ context.Context, event UsageEvent) error {
	t.events = append(t.events, event)
	return nil
}

// TestSeedReservedPortsSkipsRecordedPorts rebuilds allocator state from pod
// records, as after a control-plane restart
func TestSeedReservedPortsSkipsRecordedPorts(t *testing.T) {
	runner := remote.NewFakeRunner()
	recordStore := seededStore(t)

	// a stopped sibling on srv1 still owns 30000; netstat won't show it
	_, err := recordStore.CreatePod("other", "other", "other-bbbb", "dev.small")
	assert.NoError(t, err)
	assert.NoError(t, recordStore.AssignPodServer("other", "srv1"))
	assert.NoError(t, recordStore.SetPodNetwork("other", "10.101.1.0/24", 30000))
	assert.NoError(t, recordStore.MarkPodStopped("other"))

	provisioner := NewDummyProvisioner(runner, recordStore)
	network := netman.NewDummyManager(runner)
	provisioner.seedReservedPorts(network, "srv1")

	port, err := network.ReserveProxyPort(context.Background(), &spec.PodSpec{ID: "hk21xm9p"})
	assert.NoError(t, err)
	assert.EqualValues(t, 30001, port)
}

// TestProvisionPodRecordsUsage is a function.
func TestProvisionPodRecordsUsage(t *testing.T) {
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(happyRunner(), recordStore)
	tracker := &capturingTracker{}
	provisioner.usage = tracker

	_, err := provisioner.ProvisionPod(context.Background(), ProvisionRequest{PodID: "hk21xm9p"}, true)
	assert.NoError(t, err)

	assert.Len(t, tracker.events, 1)
	assert.EqualValues(t, "hk21xm9p", tracker.events[0].PodID)
	assert.EqualValues(t, "srv1", tracker.events[0].ServerID)
	assert.EqualValues(t, "provisioned", tracker.events[0].Action)
	assert.False(t, tracker.events[0].At.IsZero())
}
