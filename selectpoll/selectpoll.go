// Package selectpoll implements a portable select()/poll() that composes
// SCTP descriptor readiness conditions with native OS file descriptors in
// a single wait, grounded on ext_select()/ext_poll() in
// sctpsocketwrapper.cc.
package selectpoll

import (
	"syscall"
	"time"

	"github.com/dreibh/socketapi/bsdapi"
	"github.com/dreibh/socketapi/syncutil"
	"golang.org/x/sys/unix"
)

// EventMask mirrors the poll(2) event bits this package understands.
type EventMask int16

const (
	In   EventMask = 0x0001
	Pri  EventMask = 0x0002
	Out  EventMask = 0x0004
	Err  EventMask = 0x0008
	Hup  EventMask = 0x0010
	NVal EventMask = 0x0020
)

// FD is one descriptor's requested and (on return) satisfied events, the
// select/poll equivalent of a pollfd entry.
type FD struct {
	FD      int
	Events  EventMask
	Revents EventMask
}

// waitEntry records the per-fd conditions this call waits on, and the fds
// whose readiness must be re-checked afterward.
type waitEntry struct {
	fd          int
	events      EventMask
	isNative    bool
	nativeFD    int
	read, write *syncutil.Condition
	except      *syncutil.Condition
}

// Poll waits until at least one of fds is ready, the timeout elapses (< 0
// means wait indefinitely, 0 means return immediately), or ctx-equivalent
// cancellation isn't supported here (matching ext_poll's signature, which
// takes no context). It mutates each entry's Revents in place and returns
// the count of fds with a nonzero Revents.
func Poll(sh *bsdapi.Shim, fds []FD, timeout time.Duration) (int, error) {
	sh.Lock()
	defer sh.Unlock()

	global := syncutil.New(sh.Mutex(), "selectpoll.global")
	entries := make([]waitEntry, 0, len(fds))

	for i := range fds {
		if native, ok := sh.NativeFD(fds[i].FD); ok {
			entries = append(entries, waitEntry{fd: fds[i].FD, events: fds[i].Events, isNative: true, nativeFD: native})
			continue
		}
		read, write, except, err := sh.Conditions(fds[i].FD)
		if err != nil {
			fds[i].Revents = NVal
			continue
		}
		e := waitEntry{fd: fds[i].FD, events: fds[i].Events}
		if fds[i].Events&(In|Pri) != 0 {
			read.AddParent(global)
			e.read = read
		}
		if fds[i].Events&Out != 0 {
			write.AddParent(global)
			e.write = write
		}
		if fds[i].Events&Err != 0 {
			except.AddParent(global)
			e.except = except
		}
		entries = append(entries, e)
	}
	defer func() {
		for _, e := range entries {
			if e.read != nil {
				e.read.RemoveParent(global)
			}
			if e.write != nil {
				e.write.RemoveParent(global)
			}
			if e.except != nil {
				e.except.RemoveParent(global)
			}
		}
	}()

	hasNative := false
	for _, e := range entries {
		if e.isNative {
			hasNative = true
			break
		}
	}

	// A Condition's sticky flag can already be set (fired before this call
	// started waiting); Wait only unblocks on the *next* broadcast, so
	// readiness already present must be caught here rather than handed to
	// Wait, matching how collectFDs()/ext_select() in the original always
	// checked fired() once up front before ever blocking.
	alreadyReady := anyReady(sh, entries)

	if !alreadyReady && !hasNative {
		if len(entries) > 0 && timeout != 0 {
			if _, err := global.Wait(timeout); err != nil && err != syncutil.ErrDestroyed {
				return 0, err
			}
		} else if timeout > 0 {
			time.Sleep(timeout)
		}
	} else if !alreadyReady {
		// A call mixing native fds with SCTP descriptors can't block on
		// a single condition the way the pure-SCTP path does: the native
		// fds can only become ready via the kernel, not via this
		// process's condition graph. Poll both sides in short slices
		// instead of one indefinite wait, so a native fd's readiness
		// doesn't starve out for the duration of one oversized native
		// select() call (and vice versa). The governing lock is released
		// for each native select() slice's duration, the same
		// release-then-reacquire discipline Condition.Wait uses.
		const slice = 50 * time.Millisecond
		remaining := timeout
		for {
			sh.Unlock()
			err := nativeSelect(entries, minDuration(slice, remaining))
			sh.Lock()
			if err != nil {
				return 0, err
			}
			if anyReady(sh, entries) {
				break
			}
			if timeout >= 0 {
				remaining -= slice
				if remaining <= 0 {
					break
				}
			}
		}
	}

	ready := 0
	for i := range fds {
		if fds[i].Revents == NVal {
			ready++
			continue
		}
		var rev EventMask
		for _, e := range entries {
			if e.fd != fds[i].FD {
				continue
			}
			if e.isNative {
				rev |= pollNativeOnce(e.nativeFD, fds[i].Events)
				break
			}
			readable, writable, exception, err := sh.Readiness(fds[i].FD)
			if err != nil {
				rev |= NVal
				break
			}
			if fds[i].Events&(In|Pri) != 0 && readable {
				rev |= In
			}
			if fds[i].Events&Out != 0 && writable {
				rev |= Out
			}
			if fds[i].Events&Err != 0 && exception {
				rev |= Err
			}
			break
		}
		fds[i].Revents = rev
		if rev != 0 {
			ready++
		}
	}
	return ready, nil
}

// nativeSelect blocks on the native fds among entries for up to timeout,
// used only when a call mixes SCTP and system descriptors.
func nativeSelect(entries []waitEntry, timeout time.Duration) error {
	var rset, wset, eset unix.FdSet
	maxFD := -1
	any := false
	for _, e := range entries {
		if !e.isNative {
			continue
		}
		any = true
		if e.events&(In|Pri) != 0 {
			fdSet(&rset, e.nativeFD)
		}
		if e.events&Out != 0 {
			fdSet(&wset, e.nativeFD)
		}
		if e.events&Err != 0 {
			fdSet(&eset, e.nativeFD)
		}
		if e.nativeFD > maxFD {
			maxFD = e.nativeFD
		}
	}
	if !any {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}
	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}
	_, err := unix.Select(maxFD+1, &rset, &wset, &eset, tv)
	if err != nil && err != syscall.EINTR {
		return err
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if b >= 0 && b < a {
		return b
	}
	return a
}

// anyReady reports whether any native fd is currently ready or any SCTP
// descriptor among entries has already reached its requested readiness,
// without waiting.
func anyReady(sh *bsdapi.Shim, entries []waitEntry) bool {
	for _, e := range entries {
		if e.isNative {
			if pollNativeOnce(e.nativeFD, e.events) != 0 {
				return true
			}
			continue
		}
		readable, writable, exception, err := sh.Readiness(e.fd)
		if err != nil {
			return true
		}
		if e.events&(In|Pri) != 0 && readable {
			return true
		}
		if e.events&Out != 0 && writable {
			return true
		}
		if e.events&Err != 0 && exception {
			return true
		}
	}
	return false
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= int64(1) << (uint(fd) % 64)
}

// pollNativeOnce issues a zero-timeout native poll for a single fd,
// used to re-check a native descriptor's readiness after the shared wait.
func pollNativeOnce(fd int, events EventMask) EventMask {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: int16(events)}}
	_, err := unix.Poll(pfd, 0)
	if err != nil {
		return NVal
	}
	return EventMask(pfd[0].Revents)
}

// Select is the select(2)-shaped entry point: readFDs/writeFDs/exceptFDs
// list descriptor sets by fd number, matching ext_select()'s signature
// more directly than Poll's pollfd array.
func Select(sh *bsdapi.Shim, readFDs, writeFDs, exceptFDs []int, timeout time.Duration) (readyRead, readyWrite, readyExcept []int, err error) {
	merged := make(map[int]EventMask)
	for _, fd := range readFDs {
		merged[fd] |= In
	}
	for _, fd := range writeFDs {
		merged[fd] |= Out
	}
	for _, fd := range exceptFDs {
		merged[fd] |= Err
	}

	fds := make([]FD, 0, len(merged))
	for fd, events := range merged {
		fds = append(fds, FD{FD: fd, Events: events})
	}
	if _, err := Poll(sh, fds, timeout); err != nil {
		return nil, nil, nil, err
	}
	for _, f := range fds {
		if f.Revents&(In|Pri) != 0 {
			readyRead = append(readyRead, f.FD)
		}
		if f.Revents&Out != 0 {
			readyWrite = append(readyWrite, f.FD)
		}
		if f.Revents&(Err|NVal) != 0 {
			readyExcept = append(readyExcept, f.FD)
		}
	}
	return readyRead, readyWrite, readyExcept, nil
}
