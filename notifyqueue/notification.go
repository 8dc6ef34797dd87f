// Package notifyqueue implements the SCTPNotification tagged union and the
// per-association/per-socket NotificationQueue FIFO.
// §3 and §4.2, grounded on original_source/socketapi/sctpnotificationqueue.cc.
package notifyqueue

import "github.com/dreibh/socketapi/address"

// MaxNumAddresses bounds the remote-address strings a Notification
// carries, mirroring SCTP_MAX_NUM_ADDRESSES.
const MaxNumAddresses = 128

// Type tags which variant a Notification holds.
type Type int

const (
	DataArrive Type = iota
	AssocChange
	PeerAddrChange
	RemoteErrorEvent
	SendFailedEvent
	ShutdownEvent
)

func (t Type) String() string {
	switch t {
	case DataArrive:
		return "data-arrive"
	case AssocChange:
		return "assoc-change"
	case PeerAddrChange:
		return "peer-addr-change"
	case RemoteErrorEvent:
		return "remote-error"
	case SendFailedEvent:
		return "send-failed"
	case ShutdownEvent:
		return "shutdown-event"
	default:
		return "unknown"
	}
}

// EventMask is the application's notification-subscription mask
// (SCTP_EVENTS), one bit per notification family.
type EventMask uint32

const (
	EventDataIO EventMask = 1 << iota
	EventAssociation
	EventAddress
	EventSendFailure
	EventPeerError
	EventShutdown
	EventPartialDelivery
	EventAdaptationLayer
	EventAuthentication
	EventSenderDry

	EventAll = EventDataIO | EventAssociation | EventAddress | EventSendFailure |
		EventPeerError | EventShutdown | EventPartialDelivery | EventAdaptationLayer |
		EventAuthentication | EventSenderDry
)

// bitFor maps a notification Type to the EventMask bit that gates its
// delivery (data-arrive is always delivered regardless of mask, per
// the has_readable rule).
func bitFor(t Type) EventMask {
	switch t {
	case AssocChange:
		return EventAssociation
	case PeerAddrChange:
		return EventAddress
	case SendFailedEvent:
		return EventSendFailure
	case RemoteErrorEvent:
		return EventPeerError
	case ShutdownEvent:
		return EventShutdown
	default:
		return 0
	}
}

// AssocChangeState enumerates SCTP_ASSOC_CHANGE states.
type AssocChangeState int

const (
	AssocUp AssocChangeState = iota
	AssocLost
	AssocRestart
	AssocShutdownComplete
	AssocCannotStart
)

// PeerAddrChangeState enumerates SCTP_PEER_ADDR_CHANGE states.
type PeerAddrChangeState int

const (
	PeerAddrReachable PeerAddrChangeState = iota
	PeerAddrUnreachable
	PeerAddrAdded
	PeerAddrRemoved
	PeerAddrMadePrimary
	PeerAddrConfirmed
)

// Notification is the tagged union of SCTP events delivered in-band with
// data: data-arrive, assoc-change, peer-addr-change, remote-error,
// send-failed, shutdown-event.
type Notification struct {
	Type Type

	// Common to every variant: a snapshot of the owning association's
	// remote port and address set at enqueue time.
	RemotePort      uint16
	RemoteAddresses []string

	// data-arrive
	StreamID       uint16
	ProtoID        uint32
	SSN            uint16
	TSN            uint32
	Payload        []byte // bytes not yet consumed by the application
	BytesRemaining int    // len(Payload); kept alongside it for callers that only care about the count
	EndOfRecord    bool   // false when the engine delivered this payload as a partial-delivery fragment
	Unordered      bool

	// assoc-change
	AssocState AssocChangeState
	InStreams  uint16
	OutStreams uint16
	AssocID    int32

	// peer-addr-change
	PeerState PeerAddrChangeState
	Address   address.Address
	ErrorCode uint16

	// remote-error / send-failed
	FailedData []byte

	// Raw carries the serialized form delivered to an application that
	// asked to receive the notification itself (MSG_NOTIFICATION), and
	// ReadPos tracks how much of it has already been copied out so a
	// single notification can be delivered over multiple bounded reads.
	Raw     []byte
	ReadPos int
}

// Readable reports whether this notification should be surfaced to an
// application subscribed to mask: data-arrive is always readable;
// anything else needs its bit set in mask.
func (n Notification) Readable(mask EventMask) bool {
	if n.Type == DataArrive {
		return true
	}
	return mask&bitFor(n.Type) != 0
}
