package assoc

import (
	"syscall"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults holds the per-association IO defaults (stream id, proto id,
// TTL, context) substituted into Send when UseDefaults is requested, plus
// an optional per-stream override table (SCTP_SET_STREAM_TIMEOUTS).
type Defaults struct {
	StreamID uint16
	ProtoID  uint32
	TTL      time.Duration
	Context  uint32

	StreamTimeouts map[uint16]time.Duration
}

// ReceiveOptions parameterizes Receive, mirroring recvmsg flags.
type ReceiveOptions struct {
	Peek             bool // MSG_PEEK
	WantNotification bool // MSG_NOTIFICATION requested explicitly
	NonBlocking      bool // MSG_DONTWAIT or O_NONBLOCK
	Timeout          time.Duration
}

// ReceiveInfo reports the SCTP_CMSG_SNDRCV-equivalent metadata for a
// completed Receive.
type ReceiveInfo struct {
	StreamID       uint16
	ProtoID        uint32
	SSN            uint16
	TSN            uint32
	AssocID        int32
	EndOfRecord    bool
	IsNotification bool
}

// SendOptions parameterizes Send, mirroring sendmsg flags and sctp_sendmsg.
type SendOptions struct {
	StreamID    uint16
	ProtoID     uint32
	TTL         time.Duration
	Context     uint32
	Unordered   bool
	UseDefaults bool
	NonBlocking bool
}

// Association is one SCTP peer relationship: queued notifications,
// per-stream defaults, readiness conditions, and ownership of the engine
// assoc id.
type Association struct {
	mu  *syncutil.RecursiveMutex
	eng engine.Engine
	log *logrus.Entry

	id    engine.AssocID
	state State

	// Notification subscription mask (SCTP_EVENTS).
	EventMask notifyqueue.EventMask

	Defaults Defaults

	// NoDelay disables Nagle-style coalescing of outgoing user messages
	// (SCTP_NODELAY). Advisory only: this engine never coalesces sends,
	// so it is tracked purely so GetSockOpt/SetSockOpt round-trip.
	NoDelay bool

	// Readiness conditions, each chained under a parent supplied at
	// construction (typically the owning Socket's read/write/exception
	// conditions, themselves chained under a select/poll global
	// condition).
	ReadCond      *syncutil.Condition
	WriteCond     *syncutil.Condition
	ExceptionCond *syncutil.Condition
	EstablishCond *syncutil.Condition
	ShutdownCond  *syncutil.Condition

	inQueue *notifyqueue.Queue

	// globalQueue is non-nil when the owning Socket is in GlobalQueue
	// mode; notifications and data-arrive records are deposited there
	// instead of inQueue.
	globalQueue *notifyqueue.Queue

	InStreams  uint16
	OutStreams uint16

	RemotePort      uint16
	RemoteAddresses address.List

	lastUse  time.Time
	useCount int

	peeledOff      bool
	isShuttingDown bool

	// rtoShadowActive/savedRTOMax implement the RTO-max shadowing
	// invariant: when associate() specifies a maximum
	// init-timeout distinct from the engine's current rto-max, the value
	// is swapped in for the duration of setup and restored on
	// communication-up or communication-lost.
	rtoShadowActive bool
	savedRTOMax     time.Duration

	// OnUseCountZero is invoked (under mu) whenever the use count drops
	// to zero, letting the owning Socket/SocketMaster run its deferred
	// delete sweep.
	OnUseCountZero func(*Association)
}

// New constructs an Association for engine assoc id id, owned by a Socket
// whose read/write/exception conditions are parentRead/parentWrite/
// parentExcept. If globalQueue is non-nil the association operates in
// GlobalQueue mode: data and notifications are deposited there instead of
// a private per-association queue.
func New(mu *syncutil.RecursiveMutex, eng engine.Engine, log *logrus.Entry, id engine.AssocID,
	parentRead, parentWrite, parentExcept *syncutil.Condition, globalQueue *notifyqueue.Queue) *Association {

	a := &Association{
		mu:          mu,
		eng:         eng,
		log:         log.WithField("assoc_id", int32(id)),
		id:          id,
		state:       Setup,
		EventMask:   notifyqueue.EventDataIO | notifyqueue.EventAssociation,
		globalQueue: globalQueue,
		lastUse:     time.Now(),
	}
	a.ReadCond = syncutil.New(mu, "assoc.read", parentRead)
	a.WriteCond = syncutil.New(mu, "assoc.write", parentWrite)
	a.ExceptionCond = syncutil.New(mu, "assoc.exception", parentExcept)
	a.EstablishCond = syncutil.New(mu, "assoc.establish")
	a.ShutdownCond = syncutil.New(mu, "assoc.shutdown")

	if globalQueue == nil {
		a.inQueue = notifyqueue.New(mu, "assoc.inqueue", a.ReadCond)
	} else {
		// In global-queue mode Queue() returns globalQueue, so
		// notifications never reach this per-association queue; it is
		// created without a parent condition and stays unused.
		a.inQueue = notifyqueue.New(mu, "assoc.inqueue")
	}
	return a
}

// ID returns the engine-level association id.
func (a *Association) ID() engine.AssocID { return a.id }

// State returns the current lifecycle state.
func (a *Association) State() State { return a.state }

// Queue returns the notification queue notifications are actually
// deposited into (the association's own, or the owning socket's global
// queue).
func (a *Association) Queue() *notifyqueue.Queue {
	if a.globalQueue != nil {
		return a.globalQueue
	}
	return a.inQueue
}

// Readable reports whether a Receive would return immediately: either
// something is already queued, or the association has reached a terminal
// state where Receive does not block (Lost returns an error,
// ShutdownComplete returns 0 bytes as EOF). Used by
// selectpoll to evaluate read-readiness without consuming anything.
func (a *Association) Readable() bool {
	if _, ok := a.Queue().Peek(); ok {
		return true
	}
	return a.state == Lost || a.state == ShutdownComplete
}

// Writable reports whether the state admits sends (State.CanWrite:
// Setup, Up or ShuttingDown). It does not look at a local Shutdown call:
// after one, Send fails with EPIPE unless the state is still Up.
func (a *Association) Writable() bool {
	return a.state.CanWrite()
}

// Retain increments the use count, pinning the association against
// deferred deletion. Every code path taking a handle must call Retain on
// entry and Release on exit.
func (a *Association) Retain() {
	a.useCount++
	a.lastUse = time.Now()
}

// Release decrements the use count, invoking OnUseCountZero if it reaches
// zero.
func (a *Association) Release() {
	a.useCount--
	if a.useCount < 0 {
		a.useCount = 0
	}
	if a.useCount == 0 && a.OnUseCountZero != nil {
		a.OnUseCountZero(a)
	}
}

// UseCount returns the current pin count.
func (a *Association) UseCount() int { return a.useCount }

// IdleSince reports how long the association has been unused, for the
// AutoConnect auto-close sweep.
func (a *Association) IdleSince() time.Duration { return time.Since(a.lastUse) }

// IsPeeledOff reports whether PeelOff has already detached this
// association from its owning socket's auto-connect table.
func (a *Association) IsPeeledOff() bool { return a.peeledOff }

// MarkPeeledOff flips the peeled-off flag so notifications stop routing
// through the (now former) owner's global queue.
func (a *Association) MarkPeeledOff(newQueue *notifyqueue.Queue) {
	a.peeledOff = true
	a.globalQueue = newQueue
}

// ShadowRTOMaxForSetup implements the RTO-max shadowing invariant: saves
// the engine's current rto-max and overrides it with maxInitTimeout for
// the duration of the associate() attempt. Restored by
// RestoreShadowedRTOMax, which every code path reaching communication-up
// or communication-lost must call exactly once.
func (a *Association) ShadowRTOMaxForSetup(maxInitTimeout time.Duration) error {
	if maxInitTimeout <= 0 {
		return nil
	}
	info, err := a.eng.RTOInfo(a.id)
	if err != nil {
		return errors.Wrap(err, "assoc: read rto info for shadowing")
	}
	if info.Max == maxInitTimeout {
		return nil
	}
	a.savedRTOMax = info.Max
	a.rtoShadowActive = true
	info.Max = maxInitTimeout
	return a.eng.SetRTOInfo(a.id, info)
}

// RestoreShadowedRTOMax restores the engine rto-max saved by
// ShadowRTOMaxForSetup, if shadowing is active. Safe to call
// unconditionally from every callback path that can observe
// communication-up/communication-lost.
func (a *Association) RestoreShadowedRTOMax() {
	if !a.rtoShadowActive {
		return
	}
	info, err := a.eng.RTOInfo(a.id)
	if err == nil {
		info.Max = a.savedRTOMax
		_ = a.eng.SetRTOInfo(a.id, info)
	}
	a.rtoShadowActive = false
}

// HandleCommunicationUp transitions Setup -> Up (or marks an incoming
// association as established), recording the negotiated stream counts and
// restoring any shadowed RTO-max.
func (a *Association) HandleCommunicationUp(inStreams, outStreams uint16) {
	a.InStreams, a.OutStreams = inStreams, outStreams
	a.state = Up
	a.RestoreShadowedRTOMax()
	a.EstablishCond.Fire()
	a.log.Debug("association up")
}

// HandleCommunicationLost transitions to Lost, latching the exception
// condition so select/poll and subsequent writes observe it.
func (a *Association) HandleCommunicationLost() {
	a.state = Lost
	a.RestoreShadowedRTOMax()
	a.ExceptionCond.Fire()
	a.EstablishCond.Fire()
	a.WriteCond.Fire()
	a.log.Debug("communication lost")
}

// HandleShutdownComplete transitions to ShutdownComplete.
func (a *Association) HandleShutdownComplete() {
	a.state = ShutdownComplete
	a.ShutdownCond.Fire()
	a.ReadCond.Fire()
	a.log.Debug("shutdown complete")
}

// HandleRestart keeps the association Up but resets negotiated streams
// after an SCTP RESTART.
func (a *Association) HandleRestart(inStreams, outStreams uint16) {
	a.InStreams, a.OutStreams = inStreams, outStreams
	a.state = Up
	a.log.Debug("association restarted")
}

// Shutdown requests graceful teardown.
func (a *Association) Shutdown() error {
	if a.state != Up {
		return nil
	}
	a.isShuttingDown = true
	a.state = ShuttingDown
	if err := a.eng.Shutdown(a.id); err != nil {
		return errors.Wrap(err, "assoc: shutdown")
	}
	return nil
}

// Abort requests immediate teardown.
func (a *Association) Abort() error {
	a.isShuttingDown = true
	if err := a.eng.Abort(a.id); err != nil {
		return errors.Wrap(err, "assoc: abort")
	}
	return nil
}

// WaitEstablished blocks until communication-up or communication-lost is
// observed, honoring timeout (<=0 means block indefinitely). Used by
// Socket.Associate in blocking mode.
func (a *Association) WaitEstablished(timeout time.Duration) error {
	for a.state == Setup {
		fired, err := a.EstablishCond.Wait(timeout)
		if err != nil {
			return syscall.ECONNABORTED
		}
		if !fired && timeout > 0 {
			return syscall.EAGAIN
		}
	}
	if a.state == Lost {
		return syscall.ECONNREFUSED
	}
	return nil
}

// Send transmits buf on the association, substituting Defaults when
// UseDefaults is set, retrying on transient queue pressure unless
// NonBlocking.
func (a *Association) Send(buf []byte, opts SendOptions) (int, error) {
	if a.state == Lost {
		return 0, syscall.ENOTCONN
	}
	if a.state == ShutdownComplete || a.isShuttingDown && a.state != Up {
		return 0, syscall.EPIPE
	}
	if !a.state.CanWrite() {
		return 0, syscall.ENOTCONN
	}

	streamID, ppid, ttl, ctx := opts.StreamID, opts.ProtoID, opts.TTL, opts.Context
	if opts.UseDefaults {
		streamID, ppid, ttl, ctx = a.Defaults.StreamID, a.Defaults.ProtoID, a.Defaults.TTL, a.Defaults.Context
		if to, ok := a.Defaults.StreamTimeouts[streamID]; ok {
			ttl = to
		}
	}

	info := engine.SendInfo{StreamID: streamID, ProtoID: ppid, TTL: ttl, Context: ctx, Unordered: opts.Unordered}

	for {
		err := a.eng.Send(a.id, buf, info)
		if err == nil {
			return len(buf), nil
		}
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			if opts.NonBlocking {
				return 0, syscall.EAGAIN
			}
			if _, werr := a.WriteCond.Wait(100 * time.Millisecond); werr != nil {
				return 0, syscall.ECONNABORTED
			}
			if a.state == Lost {
				return 0, syscall.ECONNABORTED
			}
			continue
		}
		return 0, err
	}
}

// Receive consumes from the association's notification queue (or the
// owning Socket's global queue in GlobalQueue mode), handling partial
// data-arrive reads and notification delivery.
func (a *Association) Receive(buf []byte, opts ReceiveOptions) (int, ReceiveInfo, error) {
	q := a.Queue()

	for {
		head, ok := q.Peek()
		if !ok {
			if a.state == ShutdownComplete {
				return 0, ReceiveInfo{}, nil
			}
			if a.state == Lost {
				return 0, ReceiveInfo{}, syscall.ECONNABORTED
			}
			if opts.NonBlocking {
				return 0, ReceiveInfo{}, syscall.EAGAIN
			}
			if _, err := q.Updated.Wait(opts.Timeout); err != nil {
				return 0, ReceiveInfo{}, syscall.ECONNABORTED
			}
			continue
		}

		if head.Type == notifyqueue.DataArrive {
			n := copy(buf, head.Payload)
			info := ReceiveInfo{
				StreamID: head.StreamID,
				ProtoID:  head.ProtoID,
				SSN:      head.SSN,
				TSN:      head.TSN,
				AssocID:  int32(a.id),
			}
			remaining := head.Payload[n:]
			if len(remaining) == 0 || opts.Peek {
				info.EndOfRecord = len(remaining) == 0
				if !opts.Peek {
					if len(remaining) == 0 {
						q.Drop()
					}
				}
				return n, info, nil
			}
			head.Payload = remaining
			head.BytesRemaining = len(remaining)
			q.Update(head)
			return n, info, nil
		}

		// A notification. Deliver only if requested via MSG_NOTIFICATION
		// or the association's subscription mask includes the type;
		// otherwise silently drop it (lifecycle bookkeeping for
		// assoc-change/shutdown transitions already happened when it was
		// enqueued by the SocketMaster callback).
		wantNotif := opts.WantNotification || head.Readable(a.EventMask)
		if !wantNotif {
			q.Drop()
			continue
		}
		n := copy(buf, head.Raw[head.ReadPos:])
		head.ReadPos += n
		info := ReceiveInfo{IsNotification: true, AssocID: int32(a.id)}
		if head.ReadPos >= len(head.Raw) {
			q.Drop()
			info.EndOfRecord = true
		} else {
			q.Update(head)
		}
		return n, info, nil
	}
}

// LocalAddresses returns the owning instance's bound addresses.
func (a *Association) LocalAddresses(inst engine.InstanceID) (address.List, error) {
	return a.eng.LocalAddresses(inst)
}

// RemoteAddresses returns the peer's current address set.
func (a *Association) RemoteAddresses() (address.List, error) {
	return a.eng.PeerAddresses(a.id)
}

// PrimaryAddress returns the current preferred destination for
// transmission to the peer.
func (a *Association) PrimaryAddress() (address.Address, error) {
	return a.eng.PrimaryAddress(a.id)
}

// SetPrimaryAddress sets the local preference for outgoing transmission.
func (a *Association) SetPrimaryAddress(addr address.Address) error {
	return a.eng.SetPrimaryAddress(a.id, addr)
}

// SetPeerPrimaryAddress asks (via ASCONF) the peer to prefer addr.
func (a *Association) SetPeerPrimaryAddress(addr address.Address) error {
	return a.eng.SetPeerPrimaryAddress(a.id, addr)
}

// Status returns SCTP_STATUS-equivalent association status.
func (a *Association) Status() (engine.AssocStatus, error) {
	return a.eng.Status(a.id)
}

// PathStatus returns SCTP_GET_PEER_ADDR_INFO-equivalent per-path status.
func (a *Association) PathStatus(addr address.Address) (engine.PathStatus, error) {
	return a.eng.PathStatus(a.id, addr)
}

// RTOInfo / SetRTOInfo / AssocInfo / SetAssocInfo marshal straight to the
// engine under the caller's held global lock.
func (a *Association) RTOInfo() (engine.RTOInfo, error)     { return a.eng.RTOInfo(a.id) }
func (a *Association) SetRTOInfo(info engine.RTOInfo) error { return a.eng.SetRTOInfo(a.id, info) }
func (a *Association) AssocInfo() (engine.AssocInfo, error) { return a.eng.AssocInfo(a.id) }
func (a *Association) SetAssocInfo(info engine.AssocInfo) error {
	return a.eng.SetAssocInfo(a.id, info)
}
