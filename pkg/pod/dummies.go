package pod

import (
	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/gitrepo"
	"github.com/pinacle-sh/pinacle/pkg/netman"
	"github.com/pinacle-sh/pinacle/pkg/process"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/services"
)

// NewDummyManager creates a pod manager whose sub-managers are all real and
// all drive the given runner, with waits disabled
func NewDummyManager(runner remote.Runner) *Manager {
	return NewManager(
		remote.NewDummyLog(),
		remote.NewDummyAppConfig(),
		engine.NewDummyDockerEngine(runner),
		netman.NewDummyManager(runner),
		services.NewDummyProvisioner(runner),
		process.NewDummyProvisioner(runner),
		gitrepo.NewDummyIntegrator(runner),
	)
}
