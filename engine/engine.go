// Package engine adapts the out-of-scope "SCTP protocol engine"
// collaborator to a real transport,
// github.com/ishidawataru/sctp — the same kernel-syscall SCTP library
// vendored into moby/moby's libnetwork. Everything in this package is
// intentionally thin: congestion control, retransmission and chunk
// framing remain the kernel's job, never reimplemented here.
package engine

import (
	"context"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/notifyqueue"
)

// InstanceID identifies a bound engine instance (one per Socket).
type InstanceID uint64

// AssocID identifies a live engine association.
type AssocID int32

// Mode mirrors SCTPSocketMode: whether an instance is a
// single connection-oriented peer (OneToOne) or a multiplexed UDP-style
// endpoint (OneToMany).
type Mode int

const (
	OneToOne Mode = iota
	OneToMany
)

// SendInfo carries the per-message parameters BSD's SCTP_CMSG_SNDRCV
// control message would, i.e. ishidawataru/sctp's SndRcvInfo.
type SendInfo struct {
	StreamID  uint16
	ProtoID   uint32
	TTL       time.Duration
	Context   uint32
	Unordered bool
	AddrOver  bool
	EOF       bool // SCTP_EOF: request graceful shutdown with this send
	Abort     bool // SCTP_ABORT: request abort with this send
}

// AssocStatus mirrors SCTP_STATUS.
type AssocStatus struct {
	State           string
	InStreams       uint16
	OutStreams      uint16
	UnackedData     uint32
	PendingData     uint32
	PrimaryAddress  address.Address
	RwndReceiverWnd uint32
}

// PathStatus mirrors SCTP_GET_PEER_ADDR_INFO / SCTP_PEER_ADDR_PARAMS.
type PathStatus struct {
	Address           address.Address
	State             string
	CurrentRTO        time.Duration
	SRTT              time.Duration
	RTOMax            time.Duration
	HeartbeatInterval time.Duration
	PathMTU           uint32
	Active            bool
	Confirmed         bool
}

// RTOInfo mirrors SCTP_RTOINFO.
type RTOInfo struct {
	Initial time.Duration
	Max     time.Duration
	Min     time.Duration
}

// AssocInfo mirrors SCTP_ASSOCINFO.
type AssocInfo struct {
	MaxRetransmits  uint16
	NumberPeerDests uint16
	PeerRwnd        uint32
	LocalRwnd       uint32
	CookieLife      time.Duration
}

// Callbacks is the set of notifications the engine invokes. Every field
// is optional; a nil field is simply not invoked. The kernel engine calls
// them from one reader goroutine per listening instance (started by Run)
// and, for CommunicationUp on an outgoing association, from the goroutine
// calling Associate, so they are not confined to one goroutine. They must
// not block past doing the minimal work needed to translate and enqueue
// (the master package holds the global lock for the duration of the call).
type Callbacks struct {
	DataArrive          func(inst InstanceID, assoc AssocID, streamID uint16, ppid uint32, data []byte, partial bool)
	SendFailure         func(inst InstanceID, assoc AssocID, data []byte, info SendInfo)
	NetworkStatusChange func(inst InstanceID, assoc AssocID, addr address.Address, state notifyqueue.PeerAddrChangeState, errorCode uint16)
	CommunicationUp     func(inst InstanceID, assoc AssocID, inStreams, outStreams uint16, incoming bool)
	CommunicationLost   func(inst InstanceID, assoc AssocID, abrupt bool)
	CommunicationError  func(inst InstanceID, assoc AssocID, errorCode uint16)
	Restart             func(inst InstanceID, assoc AssocID)
	ShutdownReceived    func(inst InstanceID, assoc AssocID)
	ShutdownComplete    func(inst InstanceID, assoc AssocID)
	QueueStatusChange   func(inst InstanceID, assoc AssocID, queuedBytes int)
	AsconfStatus        func(inst InstanceID, assoc AssocID, correlationID uint32, errorCode uint16)
	UserCallback        func(inst InstanceID, arg interface{})
}

// Engine is the collaborator interface the wrapper drives. It is
// satisfied by the kernel-backed implementation in this package
// (NewKernelEngine); tests may supply a fake.
type Engine interface {
	// SetCallbacks installs the callback set invoked by Run. Must be
	// called before Run.
	SetCallbacks(cb Callbacks)

	// Run drives the event loop until ctx is canceled. The kernel engine
	// starts a reader goroutine per listening instance from it; those
	// goroutines invoke the Callbacks.
	Run(ctx context.Context) error

	// RegisterInstance binds a new instance to addrs (at least one) with the given stream counts and mode, returning its id.
	RegisterInstance(addrs address.List, inStreams, outStreams uint16, mode Mode) (InstanceID, error)
	UnregisterInstance(inst InstanceID) error

	Listen(inst InstanceID, backlog int) error
	Associate(inst InstanceID, dest address.List, outStreams uint16, maxAttempts int, maxInitTimeout time.Duration) (AssocID, error)

	Send(assoc AssocID, data []byte, info SendInfo) error
	Shutdown(assoc AssocID) error
	Abort(assoc AssocID) error
	DeleteAssociation(assoc AssocID) error

	BindX(inst InstanceID, addrs address.List, add bool) error
	LocalAddresses(inst InstanceID) (address.List, error)
	PeerAddresses(assoc AssocID) (address.List, error)

	PrimaryAddress(assoc AssocID) (address.Address, error)
	SetPrimaryAddress(assoc AssocID, addr address.Address) error
	SetPeerPrimaryAddress(assoc AssocID, addr address.Address) error

	Status(assoc AssocID) (AssocStatus, error)
	PathStatus(assoc AssocID, addr address.Address) (PathStatus, error)

	RTOInfo(assoc AssocID) (RTOInfo, error)
	SetRTOInfo(assoc AssocID, info RTOInfo) error
	AssocInfo(assoc AssocID) (AssocInfo, error)
	SetAssocInfo(assoc AssocID, info AssocInfo) error

	SetEvents(inst InstanceID, mask notifyqueue.EventMask) error
	SetAutoClose(inst InstanceID, d time.Duration) error

	// PeelOff detaches a connectionless auto-association into its own
	// engine-level instance, returning the new instance id.
	PeelOff(assoc AssocID) (InstanceID, error)
}
