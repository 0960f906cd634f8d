package gitrepo

import (
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/remote"
)

// NewDummyIntegrator creates an integrator over a real engine driving the
// given runner
func NewDummyIntegrator(runner remote.Runner) *Integrator {
	return NewIntegrator(remote.NewDummyLog(), remote.NewDummyAppConfig(), engine.NewDummyDockerEngine(runner))
}
