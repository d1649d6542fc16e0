package database

import (
	"sync"
)

// Locker provides named advisory locks. Within one process a lock is a
// plain mutex keyed by name; the named_locks table exists so a future
// multi-process deploy can take row locks on the same names. The decoders
// take a lock per (server, kind) before creating rows so duplicate-guid
// races cannot occur.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocker creates a new Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

func (l *Locker) get(name string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	return m
}

// Acquire takes the named lock, returning the release function.
func (l *Locker) Acquire(name string) func() {
	m := l.get(name)
	m.Lock()
	return m.Unlock
}
