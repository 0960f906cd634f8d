package engine

import (
	"context"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/remote"
)

// NewDummyDockerEngine creates an engine over the given runner with the
// settle wait disabled
func NewDummyDockerEngine(runner remote.Runner) *DockerEngine {
	engine := NewDockerEngine(remote.NewDummyLog(), remote.NewDummyAppConfig(), runner)
	engine.SetSleep(func(ctx context.Context, d time.Duration) {})
	return engine
}
