package services

import (
	"context"
	"time"

	"github.com/pinacle-sh/pinacle/pkg/engine"
	"github.com/pinacle-sh/pinacle/pkg/remote"
)

// NewDummyProvisioner creates a provisioner over a real engine driving the
// given runner, with health probe waits disabled
func NewDummyProvisioner(runner remote.Runner) *Provisioner {
	provisioner := NewProvisioner(remote.NewDummyLog(), remote.NewDummyAppConfig(), engine.NewDummyDockerEngine(runner))
	provisioner.SetSleep(func(ctx context.Context, d time.Duration) {})
	return provisioner
}
