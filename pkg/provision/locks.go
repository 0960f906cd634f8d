package provision

import "sync"

// podLocks serializes lifecycle requests per pod. Entries are refcounted
// and removed as soon as nobody holds or waits on them, so the map never
// accumulates ids of pods long since deleted.
type podLocks struct {
	mutex   sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mutex sync.Mutex
	refs  int
}

func newPodLocks() *podLocks {
	return &podLocks{entries: map[string]*lockEntry{}}
}

// Acquire blocks until the pod's lock is held and returns the release func
func (l *podLocks) Acquire(podID string) func() {
	l.mutex.Lock()
	entry, ok := l.entries[podID]
	if !ok {
		entry = &lockEntry{}
		l.entries[podID] = entry
	}
	entry.refs++
	l.mutex.Unlock()

	entry.mutex.Lock()

	return func() {
		entry.mutex.Unlock()

		l.mutex.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, podID)
		}
		l.mutex.Unlock()
	}
}
