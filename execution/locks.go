package execution

import "sync"

// resourceLocks records which resource ids are held by running workers.
// It is the only state shared between concurrent batches on one Loop.
type resourceLocks struct {
	mu   sync.Mutex
	held map[string]string
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{held: make(map[string]string)}
}

// tryAcquire takes every resource for owner, or none of them.
func (l *resourceLocks) tryAcquire(owner string, resources []string) bool {
	if len(resources) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range resources {
		if _, ok := l.held[r]; ok {
			return false
		}
	}
	for _, r := range resources {
		l.held[r] = owner
	}
	return true
}

// release frees the resources held by owner.
func (l *resourceLocks) release(owner string, resources []string) {
	if len(resources) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range resources {
		if l.held[r] == owner {
			delete(l.held, r)
		}
	}
}

// holder returns the owner of resource, if any.
func (l *resourceLocks) holder(resource string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.held[resource]
	return owner, ok
}
