package provision

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Pool bounds how many lifecycle requests run at once across all pods.
// Requests against the same pod still serialize on the pod's lock; the
// pool only caps global concurrency.
type Pool struct {
	Log *logrus.Entry

	group errgroup.Group
}

// NewPool creates a worker pool of the given width
func NewPool(log *logrus.Entry, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	pool := &Pool{Log: log}
	pool.group.SetLimit(workers)
	return pool
}

// Submit schedules fn, blocking while every worker is busy. Task errors are
// logged rather than returned: each request persists its own failure on the
// pod record it belongs to, and one pod's failure must not cancel another's
// provision.
func (p *Pool) Submit(name string, fn func() error) {
	p.group.Go(func() error {
		if err := fn(); err != nil {
			p.Log.Error(fmt.Sprintf("%s: %v", name, err))
		}
		return nil
	})
}

// Wait blocks until every submitted request has finished
func (p *Pool) Wait() {
	_ = p.group.Wait()
}
