// Package master implements the singleton event-loop owner: the engine
// thread, the global recursive lock, the instance/association registries,
// deferred-delete garbage collection, the break pipe, and the user-socket
// notification registry, grounded on sctpsocketmaster.cc/.h.
package master

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SocketOwner is implemented by the socketapi package's Socket type. The
// master package depends only on this interface, never on socketapi
// itself, to avoid an import cycle (socketapi depends on master).
type SocketOwner interface {
	InstanceID() engine.InstanceID
	IsListening() bool

	// OnCommunicationUp is called for both outgoing (the owner already
	// holds the Association) and incoming (the owner must construct a new
	// Association and enqueue an accept record) communication-up events.
	OnCommunicationUp(assoc engine.AssocID, inStreams, outStreams uint16, incoming bool)
	OnCommunicationLost(assoc engine.AssocID, abrupt bool)
	OnCommunicationError(assoc engine.AssocID, errorCode uint16)
	OnRestart(assoc engine.AssocID, inStreams, outStreams uint16)
	OnShutdownReceived(assoc engine.AssocID)
	OnShutdownComplete(assoc engine.AssocID)
	OnDataArrive(assoc engine.AssocID, streamID uint16, ppid uint32, data []byte, partial bool)
	OnSendFailure(assoc engine.AssocID, data []byte, info engine.SendInfo)
	OnNetworkStatusChange(assoc engine.AssocID, addr address.Address, state notifyqueue.PeerAddrChangeState, errorCode uint16)

	// AutoCloseSweep runs the owner's auto-close idle scan (Socket's
	// AutoConnect mode) as part of socketGarbageCollection, returning the
	// idle associations it found. socketGarbageCollection marks each for
	// deletion on a later pass without sending an abort or a shutdown.
	AutoCloseSweep() []engine.AssocID

	// HasPendingAssociations reports whether the owner still references
	// any association, gating unregistration of its instance once it is
	// in the pending-close set.
	HasPendingAssociations() bool
}

// UserSocketNotification lets foreign OS fds participate in select/poll
// alongside SCTP readiness conditions. Matches
// SCTPSocketMaster::UserSocketNotification.
type UserSocketNotification struct {
	FD        int
	EventMask int
	Events    int
	Update    *syncutil.Condition
}

// Master is the process-wide singleton coordinating engine access.
type Master struct {
	mu  *syncutil.RecursiveMutex
	eng engine.Engine
	log *logrus.Entry

	instances       map[engine.InstanceID]SocketOwner
	assocToInstance map[engine.AssocID]engine.InstanceID

	pendingCloseInstances map[engine.InstanceID]bool
	pendingCloseAssocs    map[engine.AssocID]bool

	breakPipe   [2]int
	breakPipeOK bool

	userNotifications map[int]*UserSocketNotification

	rng *rand.Rand

	cancel context.CancelFunc
	done   chan struct{}

	gcInterval time.Duration
}

// GarbageCollectionInterval matches the teacher's 1-second sweep cadence.
const GarbageCollectionInterval = time.Second

// New constructs a Master driving eng, sharing the recursive lock mu with
// every Socket/Association it coordinates.
func New(mu *syncutil.RecursiveMutex, eng engine.Engine, log *logrus.Entry) *Master {
	m := &Master{
		mu:                    mu,
		eng:                   eng,
		log:                   log,
		instances:             make(map[engine.InstanceID]SocketOwner),
		assocToInstance:       make(map[engine.AssocID]engine.InstanceID),
		pendingCloseInstances: make(map[engine.InstanceID]bool),
		pendingCloseAssocs:    make(map[engine.AssocID]bool),
		userNotifications:     make(map[int]*UserSocketNotification),
		rng:                   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xc0ffee)),
		done:                  make(chan struct{}),
		gcInterval:            GarbageCollectionInterval,
	}
	eng.SetCallbacks(engine.Callbacks{
		DataArrive:          m.onDataArrive,
		SendFailure:         m.onSendFailure,
		NetworkStatusChange: m.onNetworkStatusChange,
		CommunicationUp:     m.onCommunicationUp,
		CommunicationLost:   m.onCommunicationLost,
		CommunicationError:  m.onCommunicationError,
		Restart:             m.onRestart,
		ShutdownReceived:    m.onShutdownReceived,
		ShutdownComplete:    m.onShutdownComplete,
	})
	if err := m.openBreakPipe(); err != nil {
		log.WithError(err).Warn("break pipe unavailable, wakeups via condition broadcast only")
	}
	return m
}

func (m *Master) openBreakPipe() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return errors.Wrap(err, "master: open break pipe")
	}
	m.breakPipe = fds
	m.breakPipeOK = true
	return nil
}

// Lock/Unlock expose the shared recursive global lock so callers
// outside this package (socketapi, bsdapi) can serialize with the
// event-loop thread exactly as sctpsocketmaster.cc's lock()/unlock() do.
func (m *Master) Lock()   { m.mu.Lock() }
func (m *Master) Unlock() { m.mu.Unlock() }

// Break writes one byte to the break pipe. Nothing in this module reads
// the pipe: neither the engine's Run loop nor selectpoll's waits watch it,
// so the write wakes no waiter.
func (m *Master) Break() {
	if !m.breakPipeOK {
		return
	}
	var b [1]byte
	_, _ = unix.Write(m.breakPipe[1], b[:])
}

func (m *Master) drainBreakPipe() {
	if !m.breakPipeOK {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(m.breakPipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run drives the engine event loop plus the periodic garbage-collection
// timer until ctx is canceled.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer close(m.done)

	errCh := make(chan error, 1)
	go func() { errCh <- m.eng.Run(ctx) }()

	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			m.mu.Lock()
			m.socketGarbageCollection()
			m.mu.Unlock()
		}
	}
}

// Stop cancels Run and waits for it to return.
func (m *Master) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// RegisterInstance adds owner to the instance registry. Called by
// Socket.Bind after the engine instance is created.
func (m *Master) RegisterInstance(inst engine.InstanceID, owner SocketOwner) {
	m.instances[inst] = owner
}

// unregisterInstanceLocked drops inst from the registry immediately; used only
// by the deferred-delete path once no associations remain.
func (m *Master) unregisterInstanceLocked(inst engine.InstanceID) {
	delete(m.instances, inst)
	delete(m.pendingCloseInstances, inst)
	if err := m.eng.UnregisterInstance(inst); err != nil {
		m.log.WithError(err).WithField("instance", inst).Warn("unregister instance failed")
	}
}

// MarkInstancePendingClose schedules inst for unregistration once its
// owner reports no pending associations, instead of unregistering inline
// from inside a callback or an Unbind call.
func (m *Master) MarkInstancePendingClose(inst engine.InstanceID) {
	m.pendingCloseInstances[inst] = true
}

// BindAssociation records that assoc belongs to inst, so the callback
// dispatch can resolve assoc -> Socket.
func (m *Master) BindAssociation(assoc engine.AssocID, inst engine.InstanceID) {
	m.assocToInstance[assoc] = inst
}

// MarkAssociationPendingClose schedules assoc for abort+delete on the next
// associationGarbageCollection pass, per the deferred-delete rule: never
// delete from inside a callback.
func (m *Master) MarkAssociationPendingClose(assoc engine.AssocID, sendAbort bool) {
	m.pendingCloseAssocs[assoc] = sendAbort
}

// associationGarbageCollection matches
// SCTPSocketMaster::associationGarbageCollection: if assoc is pending
// close, abort (if requested) and delete it from the engine exactly once,
// then run socketGarbageCollection.
func (m *Master) associationGarbageCollection(assoc engine.AssocID) {
	if m.collectAssociation(assoc) {
		m.socketGarbageCollection()
	}
}

// collectAssociation performs the abort+delete for one pending-close
// association without recursing into socketGarbageCollection, so
// socketGarbageCollection can drain the whole pendingCloseAssocs set in
// one pass.
func (m *Master) collectAssociation(assoc engine.AssocID) bool {
	sendAbort, ok := m.pendingCloseAssocs[assoc]
	if !ok {
		return false
	}
	delete(m.pendingCloseAssocs, assoc)
	if sendAbort {
		if err := m.eng.Abort(assoc); err != nil {
			m.log.WithError(err).WithField("assoc", assoc).Debug("abort during gc failed")
		}
	}
	if err := m.eng.DeleteAssociation(assoc); err != nil {
		m.log.WithError(err).WithField("assoc", assoc).Debug("delete association during gc failed")
	}
	delete(m.assocToInstance, assoc)
	return true
}

// socketGarbageCollection matches SCTPSocketMaster::socketGarbageCollection:
// drains every pending-close association, runs every owner's auto-close
// sweep, then unregisters any pending-close instance with no remaining
// associations.
func (m *Master) socketGarbageCollection() {
	for assoc := range m.pendingCloseAssocs {
		m.collectAssociation(assoc)
	}
	for _, owner := range m.instances {
		for _, assoc := range owner.AutoCloseSweep() {
			m.MarkAssociationPendingClose(assoc, false)
		}
	}
	for inst := range m.pendingCloseInstances {
		owner, ok := m.instances[inst]
		if !ok || !owner.HasPendingAssociations() {
			m.unregisterInstanceLocked(inst)
		}
	}
}

// AddUserSocketNotification registers an external fd for select/poll
// participation. Matches addUserSocketNotification. The entry stays
// registered until RemoveUserSocketNotification drops it; it is not
// removed when its Update condition fires, and selectpoll does not
// consult this registry.
func (m *Master) AddUserSocketNotification(usn *UserSocketNotification) {
	m.userNotifications[usn.FD] = usn
}

// RemoveUserSocketNotification drops fd's registration.
func (m *Master) RemoveUserSocketNotification(fd int) {
	delete(m.userNotifications, fd)
}

// EphemeralPort returns a pseudo-random port in the IANA ephemeral range,
// for implicit bind() when the caller requests port 0. Non-cryptographic
// by design, the same role original_source's getFreePort() libc random()
// call plays.
func (m *Master) EphemeralPort() uint16 {
	const lo, hi = 49152, 65535
	return uint16(lo + m.rng.IntN(hi-lo+1))
}

// resolveOwner finds the Socket owning assoc, used by every callback
// dispatch entry point.
func (m *Master) resolveOwner(assoc engine.AssocID) (SocketOwner, bool) {
	inst, ok := m.assocToInstance[assoc]
	if !ok {
		return nil, false
	}
	owner, ok := m.instances[inst]
	return owner, ok
}

func (m *Master) onDataArrive(inst engine.InstanceID, assoc engine.AssocID, streamID uint16, ppid uint32, data []byte, partial bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.resolveOwner(assoc)
	if !ok {
		owner, ok = m.instances[inst]
	}
	if !ok {
		return
	}
	owner.OnDataArrive(assoc, streamID, ppid, data, partial)
}

func (m *Master) onSendFailure(inst engine.InstanceID, assoc engine.AssocID, data []byte, info engine.SendInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnSendFailure(assoc, data, info)
	}
}

func (m *Master) onNetworkStatusChange(inst engine.InstanceID, assoc engine.AssocID, addr address.Address, state notifyqueue.PeerAddrChangeState, errorCode uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnNetworkStatusChange(assoc, addr, state, errorCode)
	}
}

func (m *Master) onCommunicationUp(inst engine.InstanceID, assoc engine.AssocID, inStreams, outStreams uint16, incoming bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.instances[inst]
	if !ok {
		// Unsolicited communication-up with no owning instance: nothing
		// to accept it, abort defensively.
		_ = m.eng.Abort(assoc)
		return
	}
	if incoming && !owner.IsListening() {
		_ = m.eng.Abort(assoc)
		return
	}
	m.BindAssociation(assoc, inst)
	owner.OnCommunicationUp(assoc, inStreams, outStreams, incoming)
}

func (m *Master) onCommunicationLost(inst engine.InstanceID, assoc engine.AssocID, abrupt bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnCommunicationLost(assoc, abrupt)
	}
	m.MarkAssociationPendingClose(assoc, false)
}

func (m *Master) onCommunicationError(inst engine.InstanceID, assoc engine.AssocID, errorCode uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnCommunicationError(assoc, errorCode)
	}
}

func (m *Master) onRestart(inst engine.InstanceID, assoc engine.AssocID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnRestart(assoc, 0, 0)
	}
}

func (m *Master) onShutdownReceived(inst engine.InstanceID, assoc engine.AssocID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnShutdownReceived(assoc)
	}
}

func (m *Master) onShutdownComplete(inst engine.InstanceID, assoc engine.AssocID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.resolveOwner(assoc); ok {
		owner.OnShutdownComplete(assoc)
	}
	m.MarkAssociationPendingClose(assoc, false)
}

// Engine exposes the underlying engine for Socket/Association use
// (Associate, Send, BindX, and so on all call straight through).
func (m *Master) Engine() engine.Engine { return m.eng }
