package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

// placedStore builds a store whose pod already runs on srv1 with a known
// container id
func placedStore(t *testing.T) *store.Store {
	t.Helper()
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.AssignPodServer("hk21xm9p", "srv1"))
	assert.NoError(t, recordStore.MarkPodRunning("hk21xm9p", "4f7a1f2c9d8e", "10.112.1.2", "[]", "https://api-hk21xm9p.pinacle.dev"))
	return recordStore
}

// TestDeprovisionPod is a function.
func TestDeprovisionPod(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect 4f7a1f2c9d8e", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil).
		Stub("volume ls", "pinacle-vol-hk21xm9p-workspace\npinacle-vol-hk21xm9p-home\n", nil)
	recordStore := placedStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	err := provisioner.DeprovisionPod(context.Background(), "hk21xm9p")
	assert.NoError(t, err)

	assert.True(t, runner.Ran("docker stop 4f7a1f2c9d8e"))
	assert.True(t, runner.Ran("docker rm -f 4f7a1f2c9d8e"))
	assert.True(t, runner.Ran("docker volume rm pinacle-vol-hk21xm9p-workspace"))
	assert.True(t, runner.Ran("docker volume rm pinacle-vol-hk21xm9p-home"))
	assert.True(t, runner.Ran("docker network rm pinacle-net-hk21xm9p"))

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusArchived, record.Status)
	assert.True(t, record.ArchivedAt.Valid)
}

// TestDeprovisionPodWithoutContainerID falls back to the name convention
// when provisioning never recorded a container
func TestDeprovisionPodWithoutContainerID(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect pinacle-pod-hk21xm9p", "", noSuchObject("pinacle-pod-hk21xm9p"))
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.AssignPodServer("hk21xm9p", "srv1"))

	provisioner := NewDummyProvisioner(runner, recordStore)

	err := provisioner.DeprovisionPod(context.Background(), "hk21xm9p")
	assert.NoError(t, err)

	assert.True(t, runner.Ran("docker volume ls --filter name=pinacle-vol-hk21xm9p-"))
	assert.True(t, runner.Ran("docker network rm pinacle-net-hk21xm9p"))

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusArchived, record.Status)
}

// TestDeprovisionPodWithoutRecord is a function.
func TestDeprovisionPodWithoutRecord(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner, store.NewDummyStore())

	err := provisioner.DeprovisionPod(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Empty(t, runner.Commands())
}

// TestDeprovisionPodNeverPlaced archives a pod that never reached a host
// without touching any server
func TestDeprovisionPodNeverPlaced(t *testing.T) {
	runner := remote.NewFakeRunner()
	recordStore := seededStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	err := provisioner.DeprovisionPod(context.Background(), "hk21xm9p")
	assert.NoError(t, err)
	assert.Empty(t, runner.Commands())

	record, err := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, err)
	assert.EqualValues(t, store.StatusArchived, record.Status)
}

// TestDeprovisionPodAggregatesErrors is a function.
func TestDeprovisionPodAggregatesErrors(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect 4f7a1f2c9d8e", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil).
		Stub("docker rm -f", "", &remote.CommandError{ExitCode: 1, Stderr: "cannot remove container"})
	recordStore := placedStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	err := provisioner.DeprovisionPod(context.Background(), "hk21xm9p")
	assert.ErrorContains(t, err, "cannot remove container")

	// the record is archived even when the host teardown fails
	record, getErr := recordStore.GetPod("hk21xm9p")
	assert.NoError(t, getErr)
	assert.EqualValues(t, store.StatusArchived, record.Status)
}

// TestCleanupPodOnServer sweeps remnants for a pod with no record at all
func TestCleanupPodOnServer(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect pinacle-pod-hk21xm9p", "", noSuchObject("pinacle-pod-hk21xm9p"))
	recordStore := store.NewDummyStore()
	_, err := recordStore.CreateServer("srv1", "host-1", "10.0.0.5", 22)
	assert.NoError(t, err)

	provisioner := NewDummyProvisioner(runner, recordStore)

	err = provisioner.CleanupPod(context.Background(), "hk21xm9p", "srv1")
	assert.NoError(t, err)
	assert.True(t, runner.Ran("docker volume ls --filter name=pinacle-vol-hk21xm9p-"))
	assert.True(t, runner.Ran("docker network rm pinacle-net-hk21xm9p"))
}

// TestCleanupPodUnknownServer is a function.
func TestCleanupPodUnknownServer(t *testing.T) {
	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), store.NewDummyStore())

	err := provisioner.CleanupPod(context.Background(), "hk21xm9p", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestGetPodLogs is a function.
func TestGetPodLogs(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect pinacle-pod-hk21xm9p", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil).
		Stub("docker logs", "line1\nline2\n", nil)
	recordStore := placedStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	logs, err := provisioner.GetPodLogs(context.Background(), "hk21xm9p", 50, false)
	assert.NoError(t, err)
	assert.EqualValues(t, "line1\nline2\n", logs)
	assert.True(t, runner.Ran("docker logs --tail 50 4f7a1f2c9d8e 2>&1"))
}

// TestGetPodLogsUnplacedPod is a function.
func TestGetPodLogsUnplacedPod(t *testing.T) {
	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), seededStore(t))

	_, err := provisioner.GetPodLogs(context.Background(), "hk21xm9p", 50, false)
	assert.EqualError(t, err, "pod hk21xm9p is not placed on any server")
}

// TestExecInPod is a function.
func TestExecInPod(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("inspect pinacle-pod-hk21xm9p", inspectFixture("pinacle-pod-hk21xm9p", "running"), nil).
		Stub("sh -c 'ls -la'", "total 0\n", nil)
	recordStore := placedStore(t)
	provisioner := NewDummyProvisioner(runner, recordStore)

	result, err := provisioner.ExecInPod(context.Background(), "hk21xm9p", []string{"ls", "-la"})
	assert.NoError(t, err)
	assert.EqualValues(t, "total 0\n", result.Stdout)
	assert.True(t, runner.Ran("docker exec 4f7a1f2c9d8e sh -c 'ls -la'"))
}

// TestExecInPodUnplacedPod is a function.
func TestExecInPodUnplacedPod(t *testing.T) {
	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), seededStore(t))

	_, err := provisioner.ExecInPod(context.Background(), "hk21xm9p", []string{"ls"})
	assert.EqualError(t, err, "pod hk21xm9p is not placed on any server")
}

// TestCommandHistory is a function.
func TestCommandHistory(t *testing.T) {
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.InsertPodLog("log-1", "hk21xm9p", "container.create", "docker create ...", ""))
	assert.NoError(t, recordStore.InsertPodLog("log-2", "hk21xm9p", "container.exec", "docker exec abc sh -c 'make'", "make"))

	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), recordStore)

	entries, err := provisioner.CommandHistory("hk21xm9p", 0)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)

	// a record is not required: the recovery path journals recordless pods
	entries, err = provisioner.CommandHistory("ghost", 0)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

// TestPurgePod is a function.
func TestPurgePod(t *testing.T) {
	recordStore := seededStore(t)
	assert.NoError(t, recordStore.InsertPodLog("log-1", "hk21xm9p", "container.create", "docker create ...", ""))
	assert.NoError(t, recordStore.ArchivePod("hk21xm9p"))

	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), recordStore)

	assert.NoError(t, provisioner.PurgePod("hk21xm9p"))

	_, err := recordStore.GetPod("hk21xm9p")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := recordStore.ListPodLogs("hk21xm9p", 0)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

// TestPurgePodRefusesLivePod is a function.
func TestPurgePodRefusesLivePod(t *testing.T) {
	provisioner := NewDummyProvisioner(remote.NewFakeRunner(), placedStore(t))

	err := provisioner.PurgePod("hk21xm9p")
	assert.EqualError(t, err, "pod hk21xm9p is running, deprovision it before purging")
}
