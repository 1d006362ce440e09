// Package storage owns the append-only JSONL stores (audit, usage, run
// events) and the per-path lock registry that serializes file mutation.
package storage

import (
	"path/filepath"
	"sync"
)

// LockRegistry hands out one mutex per canonical file path, so all writers
// of the same file serialize regardless of which store they came through.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

// For returns the mutex guarding path. Relative paths are canonicalized so
// equivalent spellings share a lock. A nil receiver falls back to the
// process-wide registry.
func (r *LockRegistry) For(path string) *sync.Mutex {
	if r == nil {
		r = defaultRegistry
	}
	canonical, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		canonical = filepath.Clean(path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[canonical]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[canonical] = lock
	}
	return lock
}

var defaultRegistry = NewLockRegistry()

// Locks returns the process-wide registry shared by the storage subsystem.
func Locks() *LockRegistry {
	return defaultRegistry
}
