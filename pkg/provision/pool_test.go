package provision

import (
	"sync"
	"testing"
	"time"

	"github.com/go-errors/errors"
	"github.com/stretchr/testify/assert"

	"github.com/pinacle-sh/pinacle/pkg/remote"
)

// TestPoolRunsEverySubmittedTask is a function.
func TestPoolRunsEverySubmittedTask(t *testing.T) {
	pool := NewPool(remote.NewDummyLog(), 3)

	var mutex sync.Mutex
	ran := 0
	for i := 0; i < 20; i++ {
		pool.Submit("task", func() error {
			mutex.Lock()
			ran++
			mutex.Unlock()
			return nil
		})
	}
	pool.Wait()

	assert.EqualValues(t, 20, ran)
}

// TestPoolCapsConcurrency is a function.
func TestPoolCapsConcurrency(t *testing.T) {
	pool := NewPool(remote.NewDummyLog(), 2)

	var mutex sync.Mutex
	active, peak := 0, 0
	for i := 0; i < 10; i++ {
		pool.Submit("task", func() error {
			mutex.Lock()
			active++
			if active > peak {
				peak = active
			}
			mutex.Unlock()

			time.Sleep(5 * time.Millisecond)

			mutex.Lock()
			active--
			mutex.Unlock()
			return nil
		})
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Greater(t, peak, 0)
}

// TestPoolSwallowsTaskErrors one task failing must not stop the others
func TestPoolSwallowsTaskErrors(t *testing.T) {
	pool := NewPool(remote.NewDummyLog(), 2)

	var mutex sync.Mutex
	ran := 0
	pool.Submit("boom", func() error {
		return errors.Errorf("nope")
	})
	for i := 0; i < 5; i++ {
		pool.Submit("task", func() error {
			mutex.Lock()
			ran++
			mutex.Unlock()
			return nil
		})
	}
	pool.Wait()

	assert.EqualValues(t, 5, ran)
}

// TestPoolDefaultsToOneWorker is a function.
func TestPoolDefaultsToOneWorker(t *testing.T) {
	pool := NewPool(remote.NewDummyLog(), 0)

	ran := 0
	pool.Submit("task", func() error {
		ran++
		return nil
	})
	pool.Wait()

	assert.EqualValues(t, 1, ran)
}
