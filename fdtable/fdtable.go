// Package fdtable implements the descriptor table: a fixed-capacity,
// FD_SETSIZE-sized array mapping an integer fd to either a passthrough OS
// fd or an SCTP socket/association pair, grounded on
// extsocketdescriptor.h's ExtSocketDescriptor/ExtSocketDescriptorMaster.
package fdtable

import (
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Kind tags the variant stored in a Table slot.
type Kind int

const (
	Invalid Kind = iota
	System
	SCTP
)

// SCTPDescriptor is the payload for a Kind == SCTP slot: a handle into the
// socketapi/master layer plus the BSD-visible socket parameters that
// getsockopt/fcntl need to answer without reaching into the socket itself.
type SCTPDescriptor struct {
	Domain             int
	Type               int
	SocketHandle       uint64 // opaque socketapi.Socket identity
	AssociationHandle  int32  // opaque engine.AssocID, 0 if none attached
	Flags              int
	InitNumOutStreams  uint16
	InitMaxInStreams   uint16
	InitMaxAttempts    int
	InitMaxInitTimeout int // milliseconds
	LingerOnOff        int
	LingerSeconds      int
	ConnectionOriented bool
	ParentFD           int // fd of the listening socket that spawned this one, -1 if none
}

// Entry is one descriptor table slot.
type Entry struct {
	Kind     Kind
	SystemFD int
	SCTPDesc SCTPDescriptor
}

// MaxFDs is the table's fixed capacity, matching unix.FD_SETSIZE so every
// descriptor this package hands out remains usable with select(2).
const MaxFDs = unix.FD_SETSIZE

// ErrTableFull is returned by Insert when no free slot remains.
var ErrTableFull = errors.New("fdtable: no free descriptor slots")

// ErrBadFD is returned by Remove and Replace for an out-of-range or Invalid fd.
var ErrBadFD = syscall.EBADF

// Table is the process-global descriptor table. The zero value is not
// usable; use New or the package-level Global instance.
type Table struct {
	mu      sync.Mutex
	entries [MaxFDs]Entry
}

// New constructs a Table with fds 0/1/2 pre-mapped to stdin/stdout/stderr,
// matching the descriptor numbering every BSD-style process inherits.
func New() *Table {
	t := &Table{}
	t.entries[0] = Entry{Kind: System, SystemFD: 0}
	t.entries[1] = Entry{Kind: System, SystemFD: 1}
	t.entries[2] = Entry{Kind: System, SystemFD: 2}
	return t
}

// Global is the process-wide singleton, matching
// ExtSocketDescriptorMaster's single static instance.
var Global = New()

// Lookup returns the entry at fd. ok is false for an out-of-range fd or an
// Invalid slot.
func (t *Table) Lookup(fd int) (Entry, bool) {
	if fd < 0 || fd >= MaxFDs {
		return Entry{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[fd]
	if e.Kind == Invalid {
		return Entry{}, false
	}
	return e, true
}

// Insert stores e in the highest-numbered free slot, mirroring the
// top-down allocation strategy that avoids colliding with low-numbered OS
// fds the kernel tends to hand out first. Slots 0/1/2 are never reused by
// Insert even if later marked Invalid by Remove, matching the stdio
// reservation.
func (t *Table) Insert(e Entry) (int, error) {
	if e.Kind == Invalid {
		return 0, errors.New("fdtable: cannot insert an Invalid entry")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := MaxFDs - 1; fd >= 3; fd-- {
		if t.entries[fd].Kind == Invalid {
			t.entries[fd] = e
			return fd, nil
		}
	}
	return 0, ErrTableFull
}

// Remove clears fd's slot, returning the entry that occupied it.
func (t *Table) Remove(fd int) (Entry, error) {
	if fd < 3 || fd >= MaxFDs {
		return Entry{}, ErrBadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[fd]
	if e.Kind == Invalid {
		return Entry{}, ErrBadFD
	}
	t.entries[fd] = Entry{}
	return e, nil
}

// Replace overwrites the entry at an already-allocated fd, used when a
// socket's SCTPDescriptor payload mutates in place (e.g. after connect()
// fills in AssociationHandle) without changing its fd number.
func (t *Table) Replace(fd int, e Entry) error {
	if fd < 0 || fd >= MaxFDs {
		return ErrBadFD
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[fd].Kind == Invalid {
		return ErrBadFD
	}
	t.entries[fd] = e
	return nil
}

// Count returns the number of occupied slots, for diagnostics.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Kind != Invalid {
			n++
		}
	}
	return n
}
