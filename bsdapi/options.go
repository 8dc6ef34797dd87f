package bsdapi

// Socket option level/name constants, re-declared in exported Go style
// from the teacher's sctp_constants.go SCTP_* values (kept numerically
// identical so a real SCTP_* consumer's expectations still hold).
const (
	SolSCTP = 132

	OptRTOInfo            = 0
	OptAssocInfo          = 1
	OptInitMsg            = 2
	OptNoDelay            = 3
	OptAutoClose          = 4
	OptSetPeerPrimaryAddr = 5
	OptPrimaryAddr        = 6
	OptAdaptationLayer    = 7
	OptDisableFragments   = 8
	OptPeerAddrParams     = 9
	OptDefaultSentParam   = 10
	OptEvents             = 11
	OptIWantMappedV4Addr  = 12
	OptMaxSeg             = 13
	OptStatus             = 14
	OptGetPeerAddrInfo    = 15
	OptDelayedAckTime     = 16
	OptSetStreamTimeouts  = 200 // not in the kernel ABI; internal-only option this shim adds
	OptBindxAdd           = 100
	OptBindxRem           = 101
	OptPeeloff            = 102
	OptGetPeerAddrs       = 108
	OptGetLocalAddrs      = 109
	OptConnectX           = 110
)

// Non-SCTP-level options this shim also honors, per the socket-option
// table the original sctpsocketwrapper.cc dispatches alongside the SCTP_*
// ones.
const (
	SolSocket = 1

	OptSndBuf = 7
	OptRcvBuf = 8
	OptLinger = 13
)

const (
	IPProtoIP   = 0
	IPProtoIPv6 = 41

	OptIPTOS            = 1
	OptIPv6FlowInfo     = 11
	OptIPv6FlowInfoSend = 12
)

// EventFlag mirrors the deprecated individual per-event sockopt names
// (SCTP_EVENT_DATA_IO etc.). SetSockOpt and GetSockOpt do not dispatch
// them and return ENOPROTOOPT.
type EventFlag int

const (
	EventDataIO EventFlag = iota + 1000
	EventAssociation
	EventAddress
	EventSendFailure
	EventPeerError
	EventShutdown
	EventPartialDelivery
	EventAdaptationLayer
	EventAuthentication
	EventSenderDry
)
