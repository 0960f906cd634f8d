package provision

import (
	"github.com/pinacle-sh/pinacle/pkg/pod"
	"github.com/pinacle-sh/pinacle/pkg/remote"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

// NewDummyProvisioner creates a provisioner over the given store whose
// hosts all resolve to the given runner, with waits disabled.
// To be used for testing only
func NewDummyProvisioner(runner remote.Runner, recordStore *store.Store) *Provisioner {
	provisioner := NewProvisioner(remote.NewDummyLog(), remote.NewDummyAppConfig(), recordStore, nil, nil)
	provisioner.SetRunnerSource(func(*store.Server) remote.Runner { return runner })

	managers := map[string]*pod.Manager{}
	provisioner.SetManagerSource(func(server *store.Server) *pod.Manager {
		if manager, ok := managers[server.ID]; ok {
			return manager
		}
		manager := pod.NewDummyManager(runner)
		managers[server.ID] = manager
		return manager
	})
	return provisioner
}
