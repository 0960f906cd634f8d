package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/spec"
)

func testPodSpec() *spec.PodSpec {
	return &spec.PodSpec{
		ID:      "hk21xm9p",
		Slug:    "api-hk21xm9p",
		Install: spec.CommandList{"npm ci", "npm run build"},
	}
}

func testProcess() spec.ProcessSpec {
	return spec.ProcessSpec{
		Name:         "web",
		StartCommand: spec.CommandList{"npm run dev"},
		HealthCheck:  "curl -sf http://localhost:5173",
		SessionName:  "process-hk21xm9p-web",
	}
}

// TestRunInstall is a function.
func TestRunInstall(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner)

	err := provisioner.RunInstall(context.Background(), testPodSpec(), "abc", false)
	assert.NoError(t, err)

	commands := runner.Commands()
	assert.Len(t, commands, 1)
	assert.EqualValues(t, `docker exec abc sh -c 'cd /workspace && (npm ci && npm run build)'`, commands[0])
}

func TestRunInstallNothingConfigured(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner)
	podSpec := testPodSpec()
	podSpec.Install = nil

	err := provisioner.RunInstall(context.Background(), podSpec, "abc", false)
	assert.NoError(t, err)
	assert.Empty(t, runner.Commands())
}

// TestRunInstallFailure is a function.
func TestRunInstallFailure(t *testing.T) {
	type scenario struct {
		testName       string
		isExistingRepo bool
		test           func(t *testing.T, err error)
	}

	scenarios := []scenario{
		{
			"fatal on a fresh repo",
			false,
			func(t *testing.T, err error) {
				assert.EqualError(t, err, "npm ERR! network timeout")
			},
		},
		{
			"swallowed on an existing workspace",
			true,
			func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
	}

	for _, s := range scenarios {
		t.Run(s.testName, func(t *testing.T) {
			runner := remote.NewFakeRunner().
				Stub("npm ci", "", &remote.CommandError{ExitCode: 1, Stderr: "npm ERR! network timeout"})
			provisioner := NewDummyProvisioner(runner)

			err := provisioner.RunInstall(context.Background(), testPodSpec(), "abc", s.isExistingRepo)
			s.test(t, err)
			assert.Len(t, runner.Commands(), 1)
		})
	}
}

// TestStartProcess is a function.
func TestStartProcess(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner)

	err := provisioner.StartProcess(context.Background(), testPodSpec(), "abc", testProcess())
	assert.NoError(t, err)

	commands := runner.Commands()
	assert.Len(t, commands, 2)
	// a stale session from before a container restart dies first
	assert.EqualValues(t, `docker exec abc sh -c 'tmux kill-session -t process-hk21xm9p-web 2>/dev/null || true'`, commands[0])
	assert.EqualValues(t, `docker exec abc sh -c 'tmux new-session -d -s process-hk21xm9p-web '\''cd /workspace && npm run dev'\'''`, commands[1])
}

func TestStartProcessDerivesSessionName(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner)
	process := testProcess()
	process.SessionName = ""
	process.Name = "worker"

	err := provisioner.StartProcess(context.Background(), testPodSpec(), "abc", process)
	assert.NoError(t, err)
	assert.True(t, runner.Ran("tmux kill-session -t process-hk21xm9p-worker"))
}

func TestStartProcessFailure(t *testing.T) {
	runner := remote.NewFakeRunner().
		Stub("tmux new-session", "", &remote.CommandError{ExitCode: 1, Stderr: "create session failed: command not found"})
	provisioner := NewDummyProvisioner(runner)

	err := provisioner.StartProcess(context.Background(), testPodSpec(), "abc", testProcess())
	assert.EqualError(t, err, "create session failed: command not found")
}

// TestCheckHealth is a function.
func TestCheckHealth(t *testing.T) {
	type scenario struct {
		testName       string
		process        spec.ProcessSpec
		isExistingRepo bool
		timeout        time.Duration
		stub           func(runner *remote.FakeRunner)
		test           func(t *testing.T, runner *remote.FakeRunner, err error)
	}

	scenarios := []scenario{
		{
			"no health check configured",
			spec.ProcessSpec{Name: "web", StartCommand: spec.CommandList{"npm run dev"}},
			false,
			0,
			func(runner *remote.FakeRunner) {},
			func(t *testing.T, runner *remote.FakeRunner, err error) {
				assert.NoError(t, err)
				assert.Empty(t, runner.Commands())
			},
		},
		{
			"existing workspace is trusted without probing",
			testProcess(),
			true,
			0,
			func(runner *remote.FakeRunner) {},
			func(t *testing.T, runner *remote.FakeRunner, err error) {
				assert.NoError(t, err)
				assert.Empty(t, runner.Commands())
			},
		},
		{
			"healthy on the first probe",
			testProcess(),
			false,
			0,
			func(runner *remote.FakeRunner) {},
			func(t *testing.T, runner *remote.FakeRunner, err error) {
				assert.NoError(t, err)
				assert.Len(t, runner.Commands(), 1)
				assert.True(t, runner.Ran("curl -sf http://localhost:5173"))
			},
		},
		{
			"never turns healthy within the default timeout",
			testProcess(),
			false,
			0,
			func(runner *remote.FakeRunner) {
				runner.Stub("curl -sf http://localhost:5173", "", &remote.CommandError{ExitCode: 7, Stderr: "Failed to connect"})
			},
			func(t *testing.T, runner *remote.FakeRunner, err error) {
				assert.EqualError(t, err, "process web failed its health check within 30s")
				// one probe every two seconds
				assert.Len(t, runner.Commands(), 15)
			},
		},
		{
			"explicit timeout bounds the probes",
			testProcess(),
			false,
			4 * time.Second,
			func(runner *remote.FakeRunner) {
				runner.Stub("curl -sf http://localhost:5173", "", &remote.CommandError{ExitCode: 7, Stderr: "Failed to connect"})
			},
			func(t *testing.T, runner *remote.FakeRunner, err error) {
				assert.EqualError(t, err, "process web failed its health check within 4s")
				assert.Len(t, runner.Commands(), 2)
			},
		},
	}

	for _, s := range scenarios {
		t.Run(s.testName, func(t *testing.T) {
			runner := remote.NewFakeRunner()
			s.stub(runner)
			provisioner := NewDummyProvisioner(runner)

			err := provisioner.CheckHealth(context.Background(), testPodSpec(), "abc", s.process, s.isExistingRepo, s.timeout)
			s.test(t, runner, err)
		})
	}
}

// TestStopProcess is a function.
func TestStopProcess(t *testing.T) {
	runner := remote.NewFakeRunner()
	provisioner := NewDummyProvisioner(runner)

	err := provisioner.StopProcess(context.Background(), testPodSpec(), "abc", testProcess())
	assert.NoError(t, err)

	commands := runner.Commands()
	assert.Len(t, commands, 1)
	assert.EqualValues(t, `docker exec abc sh -c 'tmux kill-session -t process-hk21xm9p-web 2>/dev/null || true'`, commands[0])
}

// TestListSessions is a function.
func TestListSessions(t *testing.T) {
	type scenario struct {
		stdout   string
		expected []string
	}

	scenarios := []scenario{
		{"", []string{}},
		{"process-hk21xm9p-web\n", []string{"process-hk21xm9p-web"}},
		{"process-hk21xm9p-web\nprocess-hk21xm9p-worker\n", []string{"process-hk21xm9p-web", "process-hk21xm9p-worker"}},
	}

	for _, s := range scenarios {
		runner := remote.NewFakeRunner().Stub("tmux list-sessions", s.stdout, nil)
		provisioner := NewDummyProvisioner(runner)

		sessions, err := provisioner.ListSessions(context.Background(), "hk21xm9p", "abc")
		assert.NoError(t, err)
		assert.EqualValues(t, s.expected, sessions)
	}
}
