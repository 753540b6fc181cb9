// Package registry provides the shared mutual-exclusion state for streaming:
// a lock registry keyed by task-group id, and a once-set used to deduplicate
// per-run result fetches. Both are plain injected objects so a deployment
// owns exactly one instance instead of relying on package-level globals.
package registry

import "sync"

// Locks is a process-wide lock set keyed by string. TryAcquire either takes
// the key immediately or reports failure; there is no queuing.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for key if it is free. Returns false when the
// key is already held.
func (l *Locks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release frees the lock for key. Releasing an unheld key is a no-op.
func (l *Locks) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// OnceSet records keys that have been seen exactly once. First reports true
// only on the first call for a given key, so a recurring upstream event
// triggers its side effect a single time.
type OnceSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewOnceSet creates an empty once-set.
func NewOnceSet() *OnceSet {
	return &OnceSet{seen: make(map[string]struct{})}
}

// First marks key as seen and reports whether this was the first sighting.
func (o *OnceSet) First(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	return true
}

// Forget drops key so a later First reports true again.
func (o *OnceSet) Forget(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.seen, key)
}

// Len returns the number of recorded keys.
func (o *OnceSet) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}
