package remote

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
)

// Pool hands out one runner per host so key files and connections are shared
// by everything operating on that host
type Pool struct {
	Log     *logrus.Entry
	Config  *config.AppConfig
	Journal *Journal

	mutex   sync.Mutex
	runners map[string]*SSHRunner
}

// NewPool creates an empty runner pool. journal may be nil.
func NewPool(log *logrus.Entry, cfg *config.AppConfig, journal *Journal) *Pool {
	return &Pool{
		Log:     log,
		Config:  cfg,
		Journal: journal,
		runners: map[string]*SSHRunner{},
	}
}

// Runner returns the runner for the given host, creating it on first use
func (p *Pool) Runner(target Target) Runner {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key := target.ID
	if key == "" {
		key = fmt.Sprintf("%s@%s:%d", target.User, target.Host, target.Port)
	}

	if runner, ok := p.runners[key]; ok {
		return runner
	}

	runner := NewSSHRunner(p.Log, p.Config, target, p.Journal)
	p.runners[key] = runner
	return runner
}

// Close makes the pool an io.Closer for app teardown
func (p *Pool) Close() error {
	return p.CloseAll()
}

// CloseAll closes every runner, collecting any errors
func (p *Pool) CloseAll() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var result error
	for _, runner := range p.runners {
		if err := runner.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.runners = map[string]*SSHRunner{}
	return result
}
