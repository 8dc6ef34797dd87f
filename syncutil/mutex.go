// Package syncutil implements the SyncPrimitives component: a recursive
// mutex and a chained condition variable (broadcasting a condition also
// broadcasts every registered ancestor), per the chained-condition broadcast rule.
package syncutil

import (
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/sasha-s/go-deadlock"
)

// RecursiveMutex is a reentrant lock: the goroutine already holding it may
// Lock it again without blocking. It wraps a deadlock-cycle-instrumented
// base lock since the wrapper design concentrates on exactly one such
// lock (master.SocketMaster's global engine lock) held across a large
// call surface, the scenario go-deadlock is built to catch early.
type RecursiveMutex struct {
	inner deadlock.Mutex
	owner atomic.Int64
	depth int
}

// Lock acquires the mutex, or increments the reentrancy depth if the
// calling goroutine already holds it.
func (m *RecursiveMutex) Lock() {
	gid := goid.Get()
	if m.owner.Load() == gid {
		m.depth++
		return
	}
	m.inner.Lock()
	m.owner.Store(gid)
	m.depth = 1
}

// Unlock releases one level of reentrancy, releasing the underlying lock
// once depth reaches zero. Panics if called by a goroutine that does not
// hold the lock, the same contract as sync.Mutex.Unlock.
func (m *RecursiveMutex) Unlock() {
	gid := goid.Get()
	if m.owner.Load() != gid {
		panic("syncutil: Unlock of RecursiveMutex not held by calling goroutine")
	}
	m.depth--
	if m.depth == 0 {
		m.owner.Store(0)
		m.inner.Unlock()
	}
}

// HeldByCaller reports whether the calling goroutine currently holds the
// lock, used by assertions that a method is only called under the global
// lock.
func (m *RecursiveMutex) HeldByCaller() bool {
	return m.owner.Load() == goid.Get()
}

// releaseAll drops every level of reentrancy (used by Condition.Wait,
// which must release the lock entirely while blocked) and returns the
// depth to restore on reacquire.
func (m *RecursiveMutex) releaseAll() int {
	gid := goid.Get()
	if m.owner.Load() != gid {
		panic("syncutil: releaseAll of RecursiveMutex not held by calling goroutine")
	}
	d := m.depth
	m.depth = 0
	m.owner.Store(0)
	m.inner.Unlock()
	return d
}

// reacquire restores the lock to the given reentrancy depth.
func (m *RecursiveMutex) reacquire(depth int) {
	m.inner.Lock()
	m.owner.Store(goid.Get())
	m.depth = depth
}
