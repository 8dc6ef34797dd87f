// Package socketapi implements the Socket component: binding, listen
// backlog, the accepted-connection queue, the connectionless auto-
// association table, global-queue mode, and the bind/unbind/listen/
// associate/accept/sendto/recvfrom/peel_off operations, grounded on
// sctpsocket.cc/.h.
package socketapi

import (
	"syscall"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/assoc"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/master"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Flags mirrors SCTPSocket::SCTPSocketFlags.
type Flags uint32

const (
	GlobalQueue Flags = 1 << iota
	AutoConnect
	Listening Flags = 1 << 31
)

// DefaultAutoCloseTimeout matches the original's default idle period
// before an AutoConnect association is swept by the garbage collector.
const DefaultAutoCloseTimeout = 5 * time.Minute

// Socket is one SCTP endpoint: either a single connection-oriented
// association (OneToOne) or a multiplexed connectionless/auto-connect
// endpoint (OneToMany).
type Socket struct {
	mu  *syncutil.RecursiveMutex
	eng engine.Engine
	mst *master.Master
	log *logrus.Entry

	flags Flags
	mode  engine.Mode

	inst  engine.InstanceID
	bound bool

	localAddrs address.List

	// assocsByID indexes every association this socket currently owns,
	// connection-oriented or connectionless.
	assocsByID map[engine.AssocID]*assoc.Association

	// primary is the single association for a OneToOne connection-
	// oriented socket.
	primary *assoc.Association

	// autoByPeer maps a "host:port" string to the connectionless
	// association auto-created for that peer, per §4.4's reuse rule.
	autoByPeer map[string]*assoc.Association

	// acceptQueue holds incoming associations awaiting accept() on a
	// Listening socket.
	acceptQueue []*assoc.Association

	globalQueue *notifyqueue.Queue

	ReadCond   *syncutil.Condition
	WriteCond  *syncutil.Condition
	ExceptCond *syncutil.Condition
	AcceptCond *syncutil.Condition

	autoCloseTimeout time.Duration
}

// New constructs an unbound Socket. parentRead/Write/Except chain this
// socket's readiness conditions under a process- or select-loop-wide
// condition (may be nil at the top of the chain).
func New(mu *syncutil.RecursiveMutex, eng engine.Engine, mst *master.Master, log *logrus.Entry,
	flags Flags, parentRead, parentWrite, parentExcept *syncutil.Condition) *Socket {

	s := &Socket{
		mu:               mu,
		eng:              eng,
		mst:              mst,
		log:              log,
		flags:            flags,
		assocsByID:       make(map[engine.AssocID]*assoc.Association),
		autoByPeer:       make(map[string]*assoc.Association),
		autoCloseTimeout: DefaultAutoCloseTimeout,
	}
	s.ReadCond = syncutil.New(mu, "socket.read", parentRead)
	s.WriteCond = syncutil.New(mu, "socket.write", parentWrite)
	s.ExceptCond = syncutil.New(mu, "socket.exception", parentExcept)
	s.AcceptCond = syncutil.New(mu, "socket.accept")
	if flags&GlobalQueue != 0 {
		s.globalQueue = notifyqueue.New(mu, "socket.globalqueue", s.ReadCond)
	}
	if flags&AutoConnect != 0 {
		s.mode = engine.OneToMany
	} else {
		s.mode = engine.OneToOne
	}
	return s
}

// InstanceID implements master.SocketOwner.
func (s *Socket) InstanceID() engine.InstanceID { return s.inst }

// IsListening implements master.SocketOwner.
func (s *Socket) IsListening() bool { return s.flags&Listening != 0 }

// Bind registers a new engine instance over addrs with the given stream
// counts, matching SCTPSocket::bind.
func (s *Socket) Bind(localPort uint16, inStreams, outStreams uint16, addrs address.List) error {
	if s.bound {
		return errors.New("socketapi: socket already bound")
	}
	if len(addrs) == 0 {
		return errors.New("socketapi: bind requires at least one address")
	}
	if len(addrs) > notifyqueue.MaxNumAddresses {
		return errors.New("socketapi: too many addresses")
	}
	if localPort == 0 {
		localPort = s.mst.EphemeralPort()
		resolved := make(address.List, len(addrs))
		for i, a := range addrs {
			resolved[i] = a.WithPort(localPort)
		}
		addrs = resolved
	}
	inst, err := s.eng.RegisterInstance(addrs, inStreams, outStreams, s.mode)
	if err != nil {
		return errors.Wrap(err, "socketapi: bind")
	}
	s.inst = inst
	s.localAddrs = addrs
	s.bound = true
	s.mst.RegisterInstance(inst, s)
	return nil
}

// Unbind releases the socket's engine instance: every auto-created
// connectionless association is shut down (or aborted per sendAbort),
// the accept queue is aborted, the instance is marked for deferred
// unregistration, and the global queue is flushed. Matches
// SCTPSocket::unbind.
func (s *Socket) Unbind(sendAbort bool) {
	if !s.bound {
		return
	}
	for _, a := range s.autoByPeer {
		if sendAbort {
			_ = a.Abort()
		} else {
			_ = a.Shutdown()
		}
	}
	for _, a := range s.acceptQueue {
		_ = a.Abort()
	}
	s.acceptQueue = nil
	s.mst.MarkInstancePendingClose(s.inst)
	if s.globalQueue != nil {
		s.globalQueue.Flush()
	}
	s.bound = false
}

// Listen sets the Listening flag. backlog is advisory: the accept queue
// grows unbounded until drained, matching the original's comment that
// the value has no enforcement.
func (s *Socket) Listen(backlog int) {
	s.flags |= Listening
	_ = backlog
}

// Associate establishes a new association to dest, matching
// SCTPSocket::associate: calls the engine, wraps the result, shadows the
// new association's rto-max with maxInitTimeout until communication-up or
// communication-lost, and optionally blocks until one of those arrives.
// The shadow is set only after the engine's associate call has returned,
// so that call runs under the engine's existing rto-max.
func (s *Socket) Associate(outStreams uint16, maxAttempts int, maxInitTimeout time.Duration, dest address.List, blocking bool) (*assoc.Association, error) {
	if !s.bound {
		return nil, errors.New("socketapi: socket not bound")
	}
	id, err := s.eng.Associate(s.inst, dest, outStreams, maxAttempts, maxInitTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "socketapi: associate")
	}
	a := assoc.New(s.mu, s.eng, s.log, id, s.ReadCond, s.WriteCond, s.ExceptCond, s.globalQueueFor())
	if err := a.ShadowRTOMaxForSetup(maxInitTimeout); err != nil {
		s.log.WithError(err).Debug("rto shadow failed")
	}
	a.Retain()
	a.OnUseCountZero = s.onAssociationUseCountZero
	s.assocsByID[id] = a
	s.mst.BindAssociation(id, s.inst)

	if s.mode == engine.OneToOne {
		s.primary = a
	} else if len(dest) > 0 {
		s.autoByPeer[peerKey(dest[0])] = a
	}

	if blocking {
		if err := a.WaitEstablished(0); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (s *Socket) globalQueueFor() *notifyqueue.Queue {
	if s.flags&GlobalQueue != 0 {
		return s.globalQueue
	}
	return nil
}

func peerKey(a address.Address) string { return a.String() }

// Accept returns the next pending incoming association (FIFO). Matches
// SCTPSocket::accept.
func (s *Socket) Accept(blocking bool) (*assoc.Association, address.List, error) {
	if s.flags&Listening == 0 {
		return nil, nil, syscall.EINVAL
	}
	for len(s.acceptQueue) == 0 {
		if !blocking {
			return nil, nil, syscall.EAGAIN
		}
		if _, err := s.AcceptCond.Wait(0); err != nil {
			return nil, nil, syscall.ECONNABORTED
		}
	}
	a := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]
	peers, _ := a.RemoteAddresses()
	return a, peers, nil
}

// SendTo transmits to dest. For a connection-oriented socket dest is
// ignored and the call delegates to the single Association. For a
// connectionless socket, an existing association to dest is reused if
// present; otherwise, when AutoConnect is set, a new one is created.
func (s *Socket) SendTo(buf []byte, dest *address.Address, opts assoc.SendOptions) (int, error) {
	a, err := s.resolveOrCreateAssociation(dest)
	if err != nil {
		return 0, err
	}
	return a.Send(buf, opts)
}

func (s *Socket) resolveOrCreateAssociation(dest *address.Address) (*assoc.Association, error) {
	if s.mode == engine.OneToOne {
		if s.primary == nil {
			return nil, syscall.ENOTCONN
		}
		return s.primary, nil
	}
	if dest == nil {
		return nil, syscall.EDESTADDRREQ
	}
	key := peerKey(*dest)
	if a, ok := s.autoByPeer[key]; ok {
		return a, nil
	}
	if s.flags&AutoConnect == 0 {
		return nil, syscall.ENOTCONN
	}
	// The implicit associate triggered by sendto() to a new destination
	// does not block for establishment: the engine queues the first send
	// until communication-up arrives, matching the UDP-style semantics
	// AutoConnect sockets expose.
	return s.Associate(0, 0, 0, address.List{*dest}, false)
}

// RecvFrom receives from the single association (connection-oriented) or
// from the socket-level global queue (connectionless, GlobalQueue mode).
func (s *Socket) RecvFrom(buf []byte, opts assoc.ReceiveOptions) (int, assoc.ReceiveInfo, error) {
	if s.mode == engine.OneToOne {
		if s.primary == nil {
			return 0, assoc.ReceiveInfo{}, syscall.ENOTCONN
		}
		return s.primary.Receive(buf, opts)
	}
	if s.globalQueue == nil {
		return 0, assoc.ReceiveInfo{}, errors.New("socketapi: recvfrom requires GlobalQueue mode on a connectionless socket")
	}
	return s.recvFromGlobalQueue(buf, opts)
}

func (s *Socket) recvFromGlobalQueue(buf []byte, opts assoc.ReceiveOptions) (int, assoc.ReceiveInfo, error) {
	for {
		head, ok := s.globalQueue.Peek()
		if !ok {
			if opts.NonBlocking {
				return 0, assoc.ReceiveInfo{}, syscall.EAGAIN
			}
			if _, err := s.globalQueue.Updated.Wait(opts.Timeout); err != nil {
				return 0, assoc.ReceiveInfo{}, syscall.ECONNABORTED
			}
			continue
		}
		n := copy(buf, head.Payload)
		info := assoc.ReceiveInfo{StreamID: head.StreamID, ProtoID: head.ProtoID, AssocID: head.AssocID}
		remaining := head.Payload[n:]
		if len(remaining) == 0 {
			s.globalQueue.Drop()
			info.EndOfRecord = true
		} else {
			head.Payload = remaining
			head.BytesRemaining = len(remaining)
			s.globalQueue.Update(head)
		}
		return n, info, nil
	}
}

// PeelOff detaches a connectionless association keyed by addr from the
// auto-map, returning it as an independent Association no longer routed
// through this socket's global queue.
func (s *Socket) PeelOff(addr address.Address) (*assoc.Association, error) {
	key := peerKey(addr)
	a, ok := s.autoByPeer[key]
	if !ok {
		return nil, errors.New("socketapi: peel_off: no matching association")
	}
	if a.State() == assoc.ShuttingDown {
		return nil, errors.New("socketapi: peel_off: association is shutting down")
	}
	delete(s.autoByPeer, key)
	q := notifyqueue.New(s.mu, "peeled.inqueue")
	a.MarkPeeledOff(q)
	return a, nil
}

// Pending reports how many incoming associations are queued for accept.
func (s *Socket) Pending() int { return len(s.acceptQueue) }

// Readable reports whether the socket itself (as opposed to one of its
// associations) would satisfy a read-readiness check: a Listening socket
// is readable once a connection is queued; a connectionless GlobalQueue
// socket is readable once the global queue has something pending.
func (s *Socket) Readable() bool {
	if s.flags&Listening != 0 {
		return len(s.acceptQueue) > 0
	}
	if s.globalQueue != nil {
		_, ok := s.globalQueue.Peek()
		return ok
	}
	return false
}

// Writable reports whether the socket accepts a send without blocking.
// AutoConnect sockets are always writable (a missing peer association is
// created on demand); a bound OneToOne socket defers to its Association.
func (s *Socket) Writable() bool {
	if s.flags&AutoConnect != 0 {
		return true
	}
	if s.primary != nil {
		return s.primary.Writable()
	}
	return false
}

// LocalAddresses returns the addresses this socket is bound to.
func (s *Socket) LocalAddresses() (address.List, error) {
	if !s.bound {
		return nil, syscall.EINVAL
	}
	return s.eng.LocalAddresses(s.inst)
}

// onAssociationUseCountZero is invoked by an Association's Release once
// its pin count reaches zero; schedules the association for deferred
// close instead of deleting it inline.
func (s *Socket) onAssociationUseCountZero(a *assoc.Association) {
	s.mst.MarkAssociationPendingClose(a.ID(), false)
}

// --- master.SocketOwner callback dispatch -----------------------------

// OnCommunicationUp implements master.SocketOwner. For an incoming
// association on a Listening socket it constructs a new Association and
// enqueues it for accept(); for an outgoing association it just updates
// the already-wrapped Association's state.
func (s *Socket) OnCommunicationUp(id engine.AssocID, inStreams, outStreams uint16, incoming bool) {
	a, ok := s.assocsByID[id]
	if !ok {
		if !incoming {
			return
		}
		a = assoc.New(s.mu, s.eng, s.log, id, s.ReadCond, s.WriteCond, s.ExceptCond, s.globalQueueFor())
		a.Retain()
		a.OnUseCountZero = s.onAssociationUseCountZero
		s.assocsByID[id] = a
		s.acceptQueue = append(s.acceptQueue, a)
		s.AcceptCond.Fire()
	}
	a.HandleCommunicationUp(inStreams, outStreams)
}

// OnCommunicationLost implements master.SocketOwner.
func (s *Socket) OnCommunicationLost(id engine.AssocID, abrupt bool) {
	if a, ok := s.assocsByID[id]; ok {
		a.HandleCommunicationLost()
	}
}

// OnCommunicationError implements master.SocketOwner.
func (s *Socket) OnCommunicationError(id engine.AssocID, errorCode uint16) {
	s.ExceptCond.Fire()
}

// OnRestart implements master.SocketOwner.
func (s *Socket) OnRestart(id engine.AssocID, inStreams, outStreams uint16) {
	if a, ok := s.assocsByID[id]; ok {
		a.HandleRestart(inStreams, outStreams)
	}
}

// OnShutdownReceived implements master.SocketOwner.
func (s *Socket) OnShutdownReceived(id engine.AssocID) {
	s.ExceptCond.Fire()
}

// OnShutdownComplete implements master.SocketOwner.
func (s *Socket) OnShutdownComplete(id engine.AssocID) {
	if a, ok := s.assocsByID[id]; ok {
		a.HandleShutdownComplete()
	}
}

// OnDataArrive implements master.SocketOwner: deposits a data-arrive
// notification into the association's queue or the socket's global
// queue, per the socket's mode.
func (s *Socket) OnDataArrive(id engine.AssocID, streamID uint16, ppid uint32, data []byte, partial bool) {
	a, ok := s.assocsByID[id]
	if !ok {
		return
	}
	n := notifyqueue.Notification{
		Type:           notifyqueue.DataArrive,
		StreamID:       streamID,
		ProtoID:        ppid,
		Payload:        data,
		BytesRemaining: len(data),
		EndOfRecord:    !partial,
		AssocID:        int32(id),
	}
	_ = a.Queue().Add(n)
}

// OnSendFailure implements master.SocketOwner.
func (s *Socket) OnSendFailure(id engine.AssocID, data []byte, info engine.SendInfo) {
	if a, ok := s.assocsByID[id]; ok {
		n := notifyqueue.Notification{Type: notifyqueue.SendFailedEvent, FailedData: data, StreamID: info.StreamID, ProtoID: info.ProtoID}
		_ = a.Queue().Add(n)
	}
}

// OnNetworkStatusChange implements master.SocketOwner.
func (s *Socket) OnNetworkStatusChange(id engine.AssocID, addr address.Address, state notifyqueue.PeerAddrChangeState, errorCode uint16) {
	if a, ok := s.assocsByID[id]; ok {
		n := notifyqueue.Notification{Type: notifyqueue.PeerAddrChange, Address: addr, PeerState: state, ErrorCode: errorCode}
		_ = a.Queue().Add(n)
	}
}

// AutoCloseSweep implements master.SocketOwner: returns every
// AutoConnect association idle past autoCloseTimeout with a zero use
// count.
func (s *Socket) AutoCloseSweep() []engine.AssocID {
	if s.flags&AutoConnect == 0 {
		return nil
	}
	var idle []engine.AssocID
	for _, a := range s.autoByPeer {
		if a.UseCount() == 0 && a.IdleSince() > s.autoCloseTimeout {
			idle = append(idle, a.ID())
		}
	}
	return idle
}

// HasPendingAssociations implements master.SocketOwner.
func (s *Socket) HasPendingAssociations() bool {
	return len(s.assocsByID) > 0
}
