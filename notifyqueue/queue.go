package notifyqueue

import (
	"errors"

	"github.com/dreibh/socketapi/syncutil"
)

// ErrOutOfMemory is returned by Add if the queue cannot grow (bounded
// §4.2: "add fails with OutOfMemory; all other operations are total").
// In practice this only fires if a caller installs a MaxLen bound.
var ErrOutOfMemory = errors.New("notifyqueue: queue full")

// Queue is an append-at-tail, consume-at-head FIFO of Notification,
// exposing an Updated condition signaled on every Add so a waiter
// composed into the Association/Socket readiness graph wakes up.
type Queue struct {
	mu      *syncutil.RecursiveMutex
	items   []Notification
	Updated *syncutil.Condition

	// MaxLen, if non-zero, bounds the queue and makes Add return
	// ErrOutOfMemory once reached. Zero (the default) means unbounded,
	// matching the original implementation which only fails on real
	// allocator exhaustion.
	MaxLen int
}

// New creates a Queue governed by mu (the same lock guarding the owning
// Association/Socket), with Updated chained under the given parent
// conditions (typically the owner's read-ready condition).
func New(mu *syncutil.RecursiveMutex, name string, parents ...*syncutil.Condition) *Queue {
	return &Queue{
		mu:      mu,
		Updated: syncutil.New(mu, name+".updated", parents...),
	}
}

// Add appends n to the tail and signals Updated. Caller must hold mu.
func (q *Queue) Add(n Notification) error {
	if q.MaxLen > 0 && len(q.items) >= q.MaxLen {
		return ErrOutOfMemory
	}
	q.items = append(q.items, n)
	q.Updated.Signal()
	return nil
}

// Peek returns the head notification without removing it.
func (q *Queue) Peek() (Notification, bool) {
	if len(q.items) == 0 {
		return Notification{}, false
	}
	return q.items[0], true
}

// Update replaces the head notification in place, used when a
// bounded-size read consumed only part of it.
func (q *Queue) Update(n Notification) {
	if len(q.items) == 0 {
		q.items = append(q.items, n)
		return
	}
	q.items[0] = n
}

// Drop removes the head notification.
func (q *Queue) Drop() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
}

// Flush empties the queue.
func (q *Queue) Flush() {
	q.items = nil
}

// Count returns the number of queued notifications.
func (q *Queue) Count() int { return len(q.items) }

// HasReadable reports whether any queued notification is readable under
// mask (data-arrive is always readable).
func (q *Queue) HasReadable(mask EventMask) bool {
	for _, n := range q.items {
		if n.Readable(mask) {
			return true
		}
	}
	return false
}
