package remote

import (
	"context"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ExecCall is one command a FakeRunner received
type ExecCall struct {
	Command string
	Opts    ExecOpts
}

type fakeStub struct {
	contains string
	stdout   string
	err      error
}

// FakeRunner is a Runner for tests. Commands are matched against registered
// stubs in order; the first stub whose substring matches wins. Unmatched
// commands succeed with empty output.
type FakeRunner struct {
	mutex  sync.Mutex
	target Target
	calls  []ExecCall
	stubs  []fakeStub
}

// NewFakeRunner creates a FakeRunner for testing
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{target: NewDummyTarget()}
}

// Stub registers a canned response for commands containing the given
// substring. Returns the runner so stubs can be chained.
func (f *FakeRunner) Stub(contains, stdout string, err error) *FakeRunner {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.stubs = append(f.stubs, fakeStub{contains: contains, stdout: stdout, err: err})
	return f
}

func (f *FakeRunner) Exec(ctx context.Context, command string, opts ExecOpts) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls = append(f.calls, ExecCall{Command: command, Opts: opts})
	for _, stub := range f.stubs {
		if strings.Contains(command, stub.contains) {
			return stub.stdout, stub.err
		}
	}
	return "", nil
}

func (f *FakeRunner) Ping(ctx context.Context) error {
	_, err := f.Exec(ctx, "true", ExecOpts{})
	return err
}

func (f *FakeRunner) Target() Target {
	return f.target
}

func (f *FakeRunner) Close() error {
	return nil
}

// Calls returns a copy of every command received so far
func (f *FakeRunner) Calls() []ExecCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]ExecCall{}, f.calls...)
}

// Commands returns just the command strings received so far
func (f *FakeRunner) Commands() []string {
	return lo.Map(f.Calls(), func(call ExecCall, _ int) string {
		return call.Command
	})
}

// Ran reports whether any received command contains the given substring
func (f *FakeRunner) Ran(contains string) bool {
	return lo.SomeBy(f.Calls(), func(call ExecCall) bool {
		return strings.Contains(call.Command, contains)
	})
}
