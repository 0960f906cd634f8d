package netman

import (
	"github.com/pinacle-sh/pinacle/pkg/remote"
)

// NewDummyManager creates a network manager over the given runner for testing
func NewDummyManager(runner remote.Runner) *Manager {
	return NewManager(remote.NewDummyLog(), remote.NewDummyAppConfig(), runner)
}
