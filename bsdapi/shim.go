// Package bsdapi implements the SocketAPIShim: BSD-style entry points
// (Socket/Bind/Listen/Accept/Connect/Close/Shutdown/Read/Write/Send/
// SendTo/SendMsg/Recv/RecvFrom/RecvMsg/GetSockName/GetPeerName/SetSockOpt/
// GetSockOpt/BindX/SctpPeeloff) dispatching on
// descriptor kind and translating failures to errno, grounded on
// sctpsocketwrapper.cc.
package bsdapi

import (
	"syscall"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/assoc"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/fdtable"
	"github.com/dreibh/socketapi/master"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/socketapi"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Shim is the process-wide BSD-style entry point surface. It owns the
// descriptor table and the mapping from SCTPDescriptor.SocketHandle to
// the underlying socketapi.Socket and assoc.Association.
type Shim struct {
	mu  *syncutil.RecursiveMutex
	eng engine.Engine
	mst *master.Master
	log *logrus.Entry

	fds *fdtable.Table

	sockets      map[uint64]*socketapi.Socket
	associations map[uint64]*assoc.Association
	nextHandle   uint64
}

// New constructs a Shim sharing the global lock mu with master, socketapi
// and assoc.
func New(mu *syncutil.RecursiveMutex, eng engine.Engine, mst *master.Master, log *logrus.Entry) *Shim {
	return &Shim{
		mu:           mu,
		eng:          eng,
		mst:          mst,
		log:          log,
		fds:          fdtable.New(),
		sockets:      make(map[uint64]*socketapi.Socket),
		associations: make(map[uint64]*assoc.Association),
	}
}

// Lock acquires the governing recursive lock, for callers (selectpoll)
// that need to hold it across several Shim calls plus a Condition.Wait.
func (sh *Shim) Lock() { sh.mu.Lock() }

// Unlock releases the governing recursive lock.
func (sh *Shim) Unlock() { sh.mu.Unlock() }

// Mutex returns the governing recursive lock, for constructing a
// synthetic Condition chained under per-fd readiness conditions.
func (sh *Shim) Mutex() *syncutil.RecursiveMutex { return sh.mu }

func (sh *Shim) allocHandle() uint64 {
	sh.nextHandle++
	return sh.nextHandle
}

// Socket creates a new SCTP socket descriptor. domain is AF_INET/AF_INET6,
// typ is SOCK_STREAM (one-to-one) or SOCK_SEQPACKET (one-to-many).
func (sh *Shim) Socket(domain, typ int, autoConnect, globalQueue bool) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var flags socketapi.Flags
	if globalQueue {
		flags |= socketapi.GlobalQueue
	}
	if autoConnect {
		flags |= socketapi.AutoConnect
	}
	s := socketapi.New(sh.mu, sh.eng, sh.mst, sh.log, flags, nil, nil, nil)
	handle := sh.allocHandle()
	sh.sockets[handle] = s

	fd, err := sh.fds.Insert(fdtable.Entry{
		Kind: fdtable.SCTP,
		SCTPDesc: fdtable.SCTPDescriptor{
			Domain:             domain,
			Type:               typ,
			SocketHandle:       handle,
			ConnectionOriented: !autoConnect,
			ParentFD:           -1,
		},
	})
	if err != nil {
		delete(sh.sockets, handle)
		return -1, errnoErr(err)
	}
	return fd, nil
}

func (sh *Shim) lookupSocket(fd int) (*socketapi.Socket, fdtable.Entry, error) {
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return nil, fdtable.Entry{}, syscall.EBADF
	}
	s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
	if !ok {
		return nil, fdtable.Entry{}, syscall.EBADF
	}
	return s, e, nil
}

// Bind implements bind(2) for an SCTP descriptor.
func (sh *Shim) Bind(fd int, port uint16, inStreams, outStreams uint16, addrs address.List) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, _, err := sh.lookupSocket(fd)
	if err != nil {
		return err
	}
	if err := s.Bind(port, inStreams, outStreams, addrs); err != nil {
		return errnoErr(err)
	}
	return nil
}

// Listen implements listen(2).
func (sh *Shim) Listen(fd int, backlog int) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, _, err := sh.lookupSocket(fd)
	if err != nil {
		return err
	}
	s.Listen(backlog)
	return nil
}

// Connect implements connect(2): a blocking associate() to a single
// destination with default stream counts.
func (sh *Shim) Connect(fd int, dest address.Address) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, e, err := sh.lookupSocket(fd)
	if err != nil {
		return err
	}
	a, aerr := s.Associate(0, 0, 0, address.List{dest}, true)
	if aerr != nil {
		return errnoErr(aerr)
	}
	sh.associations[e.SCTPDesc.SocketHandle] = a
	return nil
}

// Accept implements accept(2): returns a new fd wrapping the incoming
// Association, and the peer's address list.
func (sh *Shim) Accept(fd int, blocking bool) (int, address.List, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, parentEntry, err := sh.lookupSocket(fd)
	if err != nil {
		return -1, nil, err
	}
	a, peers, aerr := s.Accept(blocking)
	if aerr != nil {
		return -1, nil, errnoErr(aerr)
	}
	handle := sh.allocHandle()
	sh.associations[handle] = a
	newFD, ierr := sh.fds.Insert(fdtable.Entry{
		Kind: fdtable.SCTP,
		SCTPDesc: fdtable.SCTPDescriptor{
			Domain:             parentEntry.SCTPDesc.Domain,
			Type:               parentEntry.SCTPDesc.Type,
			SocketHandle:       handle,
			AssociationHandle:  int32(a.ID()),
			ConnectionOriented: true,
			ParentFD:           fd,
		},
	})
	if ierr != nil {
		delete(sh.associations, handle)
		return -1, nil, errnoErr(ierr)
	}
	return newFD, peers, nil
}

// Close implements close(2) for an SCTP descriptor: shuts down the
// association the fd wraps (an accepted, connected or peeled-off fd),
// unbinds the socket and frees the table slot. On unbind the socket's
// auto-created associations are shut down gracefully only when SO_LINGER
// is on with a nonzero time; with l_onoff=0 or a zero linger time they
// are aborted.
func (sh *Shim) Close(fd int) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok {
		return syscall.EBADF
	}
	if e.Kind == fdtable.System {
		if err := unix.Close(e.SystemFD); err != nil {
			return err
		}
		_, _ = sh.fds.Remove(fd)
		return nil
	}
	if e.Kind != fdtable.SCTP {
		return syscall.EBADF
	}
	if a, ok := sh.associations[e.SCTPDesc.SocketHandle]; ok {
		_ = a.Shutdown()
		delete(sh.associations, e.SCTPDesc.SocketHandle)
	}
	if s, ok := sh.sockets[e.SCTPDesc.SocketHandle]; ok {
		s.Unbind(e.SCTPDesc.LingerOnOff == 0 || e.SCTPDesc.LingerSeconds == 0)
		delete(sh.sockets, e.SCTPDesc.SocketHandle)
	}
	_, err := sh.fds.Remove(fd)
	return err
}

// Shutdown implements shutdown(2) on the descriptor's association.
func (sh *Shim) Shutdown(fd int) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return syscall.EBADF
	}
	a, ok := sh.associations[e.SCTPDesc.SocketHandle]
	if !ok {
		return syscall.ENOTCONN
	}
	return errnoErr(a.Shutdown())
}

// Read implements read(2): a recv with no flags on the fd's single
// association or socket.
func (sh *Shim) Read(fd int, buf []byte) (int, error) {
	return sh.Recv(fd, buf, false)
}

// Write implements write(2): a send with default stream/ppid/ttl.
func (sh *Shim) Write(fd int, buf []byte) (int, error) {
	return sh.Send(fd, buf, assoc.SendOptions{UseDefaults: true})
}

// Send implements send(2)/sctp_send-style calls on a connection-oriented
// descriptor.
func (sh *Shim) Send(fd int, buf []byte, opts assoc.SendOptions) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	n, err := sh.sendLocked(fd, buf, nil, opts)
	return n, err
}

// SendTo implements sendto(2): the destination address is honored for
// connectionless/AutoConnect sockets and ignored (must match the existing
// peer) for connection-oriented ones.
func (sh *Shim) SendTo(fd int, buf []byte, dest *address.Address, opts assoc.SendOptions) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sendLocked(fd, buf, dest, opts)
}

func (sh *Shim) sendLocked(fd int, buf []byte, dest *address.Address, opts assoc.SendOptions) (int, error) {
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return -1, syscall.EBADF
	}
	if a, ok := sh.associations[e.SCTPDesc.SocketHandle]; ok {
		n, err := a.Send(buf, opts)
		return n, errnoErr(err)
	}
	s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
	if !ok {
		return -1, syscall.EBADF
	}
	n, err := s.SendTo(buf, dest, opts)
	return n, errnoErr(err)
}

// Recv implements recv(2)/recvfrom(2) without the peer address.
func (sh *Shim) Recv(fd int, buf []byte, nonBlocking bool) (int, error) {
	n, _, err := sh.RecvFrom(fd, buf, nonBlocking)
	return n, err
}

// RecvFrom implements recvfrom(2), returning the SCTP_CMSG_SNDRCV
// equivalent metadata in place of a sender sockaddr (SCTP is message-, not
// stream-, oriented, so the metadata is the more useful "from" analogue).
func (sh *Shim) RecvFrom(fd int, buf []byte, nonBlocking bool) (int, assoc.ReceiveInfo, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return -1, assoc.ReceiveInfo{}, syscall.EBADF
	}
	opts := assoc.ReceiveOptions{NonBlocking: nonBlocking}
	if a, ok := sh.associations[e.SCTPDesc.SocketHandle]; ok {
		n, info, err := a.Receive(buf, opts)
		return n, info, errnoErr(err)
	}
	s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
	if !ok {
		return -1, assoc.ReceiveInfo{}, syscall.EBADF
	}
	n, info, err := s.RecvFrom(buf, opts)
	return n, info, errnoErr(err)
}

// GetSockName returns the descriptor's bound local addresses.
func (sh *Shim) GetSockName(fd int) (address.List, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, _, err := sh.lookupSocket(fd)
	if err != nil {
		return nil, err
	}
	addrs, aerr := s.LocalAddresses()
	return addrs, errnoErr(aerr)
}

// GetPeerName returns the descriptor's association's peer addresses.
func (sh *Shim) GetPeerName(fd int) (address.List, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return nil, syscall.EBADF
	}
	a, ok := sh.associations[e.SCTPDesc.SocketHandle]
	if !ok {
		return nil, syscall.ENOTCONN
	}
	addrs, err := a.RemoteAddresses()
	return addrs, errnoErr(err)
}

// SctpPeeloff implements SCTP_SOCKOPT_PEELOFF: detaches a connectionless
// auto-association keyed by addr into its own fd.
func (sh *Shim) SctpPeeloff(fd int, addr address.Address) (int, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, parentEntry, err := sh.lookupSocket(fd)
	if err != nil {
		return -1, err
	}
	a, perr := s.PeelOff(addr)
	if perr != nil {
		return -1, errnoErr(perr)
	}
	handle := sh.allocHandle()
	sh.associations[handle] = a
	newFD, ierr := sh.fds.Insert(fdtable.Entry{
		Kind: fdtable.SCTP,
		SCTPDesc: fdtable.SCTPDescriptor{
			Domain:             parentEntry.SCTPDesc.Domain,
			Type:               parentEntry.SCTPDesc.Type,
			SocketHandle:       handle,
			AssociationHandle:  int32(a.ID()),
			ConnectionOriented: true,
			ParentFD:           fd,
		},
	})
	if ierr != nil {
		delete(sh.associations, handle)
		return -1, errnoErr(ierr)
	}
	return newFD, nil
}

// SendMsg implements sctp_sendmsg(3): a Send with explicit stream, ppid
// and ttl, bypassing the association's Defaults.
func (sh *Shim) SendMsg(fd int, buf []byte, streamID uint16, ppid uint32, ttl time.Duration, unordered bool) (int, error) {
	return sh.Send(fd, buf, assoc.SendOptions{StreamID: streamID, ProtoID: ppid, TTL: ttl, Unordered: unordered})
}

// RecvMsg implements sctp_recvmsg(3), returning the SNDRCV-equivalent
// metadata alongside the payload.
func (sh *Shim) RecvMsg(fd int, buf []byte, nonBlocking bool) (int, assoc.ReceiveInfo, error) {
	return sh.RecvFrom(fd, buf, nonBlocking)
}

// BindX implements SCTP_SOCKOPT_BINDX_ADD/_REM: adds or removes
// additional bound addresses on an already-bound instance.
func (sh *Shim) BindX(fd int, addrs address.List, add bool) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, _, err := sh.lookupSocket(fd)
	if err != nil {
		return err
	}
	return errnoErr(sh.eng.BindX(s.InstanceID(), addrs, add))
}

// GetSockOpt dispatches a getsockopt(2) call by (level, optname) to the
// corresponding association/socket accessor, matching the table
// sctpsocketwrapper.cc's ext_getsockopt() switches over.
func (sh *Shim) GetSockOpt(fd int, level, optname int) (interface{}, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return nil, syscall.EBADF
	}
	a, hasAssoc := sh.associations[e.SCTPDesc.SocketHandle]

	if level == SolSCTP {
		switch optname {
		case OptStatus:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			st, err := a.Status()
			return st, errnoErr(err)
		case OptNoDelay:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			return a.NoDelay, nil
		case OptEvents:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			return a.EventMask, nil
		case OptRTOInfo:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			info, err := a.RTOInfo()
			return info, errnoErr(err)
		case OptAssocInfo:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			info, err := a.AssocInfo()
			return info, errnoErr(err)
		case OptPrimaryAddr:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			addr, err := a.PrimaryAddress()
			return addr, errnoErr(err)
		case OptGetPeerAddrs:
			if !hasAssoc {
				return nil, syscall.ENOTCONN
			}
			addrs, err := a.RemoteAddresses()
			return addrs, errnoErr(err)
		case OptGetLocalAddrs:
			s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
			if !ok {
				return nil, syscall.ENOTCONN
			}
			addrs, err := s.LocalAddresses()
			return addrs, errnoErr(err)
		}
	}
	if level == SolSocket {
		switch optname {
		case OptSndBuf, OptRcvBuf:
			return 0, nil
		case OptLinger:
			return struct{ OnOff, Seconds int }{e.SCTPDesc.LingerOnOff, e.SCTPDesc.LingerSeconds}, nil
		}
	}
	return nil, syscall.ENOPROTOOPT
}

// SetSockOpt dispatches a setsockopt(2) call by (level, optname),
// matching the same table GetSockOpt reads from.
func (sh *Shim) SetSockOpt(fd int, level, optname int, value interface{}) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return syscall.EBADF
	}
	a, hasAssoc := sh.associations[e.SCTPDesc.SocketHandle]

	if level == SolSCTP {
		switch optname {
		case OptNoDelay:
			nd, ok := value.(bool)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			a.NoDelay = nd
			return nil
		case OptEvents:
			mask, ok := value.(notifyqueue.EventMask)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			a.EventMask = mask
			return nil
		case OptRTOInfo:
			info, ok := value.(engine.RTOInfo)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			return errnoErr(a.SetRTOInfo(info))
		case OptAssocInfo:
			info, ok := value.(engine.AssocInfo)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			return errnoErr(a.SetAssocInfo(info))
		case OptPrimaryAddr:
			addr, ok := value.(address.Address)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			return errnoErr(a.SetPrimaryAddress(addr))
		case OptSetPeerPrimaryAddr:
			addr, ok := value.(address.Address)
			if !ok {
				return syscall.EINVAL
			}
			if !hasAssoc {
				return syscall.ENOTCONN
			}
			return errnoErr(a.SetPeerPrimaryAddress(addr))
		case OptAutoClose:
			// Accepted and discarded: the value is not stored, and the
			// socket's auto-close timeout stays at
			// socketapi.DefaultAutoCloseTimeout.
			return nil
		}
	}
	if level == SolSocket {
		switch optname {
		case OptSndBuf, OptRcvBuf:
			return nil
		case OptLinger:
			l, ok := value.(struct{ OnOff, Seconds int })
			if !ok {
				return syscall.EINVAL
			}
			sd, ok := sh.fds.Lookup(fd)
			if !ok {
				return syscall.EBADF
			}
			sd.SCTPDesc.LingerOnOff = l.OnOff
			sd.SCTPDesc.LingerSeconds = l.Seconds
			return errnoErr(sh.fds.Replace(fd, sd))
		}
	}
	return syscall.ENOPROTOOPT
}

// Conditions returns the read/write/exception readiness conditions for
// fd, for selectpoll to chain a per-call synthetic condition under.
func (sh *Shim) Conditions(fd int) (read, write, except *syncutil.Condition, err error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return nil, nil, nil, syscall.EBADF
	}
	if a, ok := sh.associations[e.SCTPDesc.SocketHandle]; ok {
		return a.ReadCond, a.WriteCond, a.ExceptionCond, nil
	}
	s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
	if !ok {
		return nil, nil, nil, syscall.EBADF
	}
	if s.IsListening() {
		return s.AcceptCond, s.WriteCond, s.ExceptCond, nil
	}
	return s.ReadCond, s.WriteCond, s.ExceptCond, nil
}

// Readiness reports the current read/write/exception state of fd without
// blocking or consuming anything, for selectpoll's post-wait re-check.
func (sh *Shim) Readiness(fd int) (readable, writable, exception bool, err error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.SCTP {
		return false, false, false, syscall.EBADF
	}
	if a, ok := sh.associations[e.SCTPDesc.SocketHandle]; ok {
		return a.Readable(), a.Writable(), a.ExceptionCond.Peek(), nil
	}
	s, ok := sh.sockets[e.SCTPDesc.SocketHandle]
	if !ok {
		return false, false, false, syscall.EBADF
	}
	return s.Readable(), s.Writable(), s.ExceptCond.Peek(), nil
}

// NativeFD returns the underlying OS file descriptor for a System-kind
// descriptor, for selectpoll to fold into the native select/poll set.
func (sh *Shim) NativeFD(fd int) (int, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.fds.Lookup(fd)
	if !ok || e.Kind != fdtable.System {
		return -1, false
	}
	return e.SystemFD, true
}

// errnoErr translates an internal error into the errno-convention result
// this shim's callers expect: a syscall.Errno if one can be found via
// errors.As, EIO otherwise. A nil err passes through unchanged.
func errnoErr(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
