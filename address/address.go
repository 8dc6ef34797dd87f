// Package address implements the AddressBook component: a single tagged
// sum type standing in for the polymorphic SocketAddress hierarchy of
// the original C++ implementation (InternetAddress, UnixAddress,
// PacketAddress, InternetFlow).
package address

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Family tags which variant an Address holds.
type Family int

const (
	// Invalid marks the null address value.
	Invalid Family = iota
	Internet
	Unix
	Packet
	Flow
)

func (f Family) String() string {
	switch f {
	case Internet:
		return "internet"
	case Unix:
		return "unix"
	case Packet:
		return "packet"
	case Flow:
		return "flow"
	default:
		return "invalid"
	}
}

// TrafficClass is the DSCP-style traffic class byte carried by Flow
// addresses (set through WithFlow; no socket option in this module reads
// or writes it). Grounded on
// cppsocketapi/trafficclassvalues.h.
type TrafficClass uint8

const (
	TrafficClassDefault     TrafficClass = 0x00
	TrafficClassLowDelay    TrafficClass = 0x10
	TrafficClassThroughput  TrafficClass = 0x08
	TrafficClassReliability TrafficClass = 0x04
	TrafficClassCritical    TrafficClass = 0xC0
)

// Address is a value type over {Internet, Unix, Packet, Flow}. The zero
// value is the null address (Family() == Invalid).
type Address struct {
	family Family

	// Internet
	ip           net.IP
	zone         string
	port         uint16
	flowLabel    uint32
	trafficClass TrafficClass

	// Unix
	path string

	// Packet
	ifName string
}

// IsValid reports whether a holds a defined family.
func (a Address) IsValid() bool { return a.family != Invalid }

// Family returns the variant tag.
func (a Address) Family() Family { return a.family }

// Port returns the port number for Internet addresses, else 0.
func (a Address) Port() uint16 { return a.port }

// IP returns the IP for Internet addresses, nil otherwise. IPv4 addresses
// are always normalized to 4-byte form so that comparisons and hashing
// treat IPv4-mapped-in-IPv6 as equivalent to plain IPv4.
func (a Address) IP() net.IP {
	if a.family != Internet {
		return nil
	}
	return a.ip
}

// Path returns the filesystem path for Unix addresses.
func (a Address) Path() string { return a.path }

// Interface returns the interface name for Packet addresses.
func (a Address) Interface() string { return a.ifName }

// TrafficClassValue returns the configured traffic class for Flow addresses.
func (a Address) TrafficClassValue() TrafficClass { return a.trafficClass }

// FlowLabel returns the IPv6 flow label, 0 for non-Flow/non-IPv6 addresses.
func (a Address) FlowLabel() uint32 { return a.flowLabel }

// NewInternet builds an Internet address, normalizing v4-mapped-in-v6.
func NewInternet(ip net.IP, port uint16) Address {
	return Address{family: Internet, ip: normalizeIP(ip), port: port}
}

// NewInternetZone builds an Internet address with an IPv6 zone (scope id).
func NewInternetZone(ip net.IP, zone string, port uint16) Address {
	return Address{family: Internet, ip: normalizeIP(ip), zone: zone, port: port}
}

// WithPort returns a copy of a with its port replaced, used when an
// implicit bind() substitutes a kernel- or caller-chosen ephemeral port
// into an address list supplied with port 0.
func (a Address) WithPort(port uint16) Address {
	b := a
	b.port = port
	return b
}

// WithFlow returns a copy of a carrying an IPv6 flow label and traffic
// class, tagged as the Flow variant (mirrors internetflow.h layering a
// flow label on top of an Internet address rather than being a wholly
// separate address space).
func (a Address) WithFlow(label uint32, tc TrafficClass) Address {
	b := a
	b.family = Flow
	b.flowLabel = label
	b.trafficClass = tc
	return b
}

// NewUnix builds a Unix-domain address.
func NewUnix(path string) Address {
	return Address{family: Unix, path: path}
}

// NewPacket builds a link-layer Packet address bound to an interface name.
func NewPacket(ifName string) Address {
	return Address{family: Packet, ifName: ifName}
}

func normalizeIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// String renders the canonical textual form. ParseInternet(String())
// reproduces an Internet address. A Flow address renders like an Internet
// one and parses back as Internet, without its flow label and traffic
// class; Unix and Packet addresses render as their path or interface name
// and have no parser in this package.
func (a Address) String() string {
	switch a.family {
	case Internet, Flow:
		host := a.ip.String()
		if a.zone != "" {
			host += "%" + a.zone
		}
		if strings.Contains(host, ":") {
			return fmt.Sprintf("[%s]:%d", host, a.port)
		}
		return fmt.Sprintf("%s:%d", host, a.port)
	case Unix:
		return a.path
	case Packet:
		return a.ifName
	default:
		return "<nil>"
	}
}

// Equal reports a == b: family, address bytes and port must
// match; IPv4 and IPv4-mapped-IPv6 compare equal for equivalent addresses
// because both sides are normalized on construction.
func (a Address) Equal(b Address) bool {
	if a.family != b.family {
		// Internet and Flow carry the same underlying address; a Flow
		// address is still "the same address" as its plain Internet form
		// for equality purposes used by association/destination lookup.
		if !((a.family == Internet || a.family == Flow) && (b.family == Internet || b.family == Flow)) {
			return false
		}
	}
	switch a.family {
	case Internet, Flow:
		return a.ip.Equal(b.ip) && a.zone == b.zone && a.port == b.port
	case Unix:
		return a.path == b.path
	case Packet:
		return a.ifName == b.ifName
	default:
		return true // both Invalid
	}
}

// Compare imposes a total order, used to keep address lists in a
// deterministic order for bindx add/rem round-tripping.
func (a Address) Compare(b Address) int {
	if a.family != b.family {
		return int(a.family) - int(b.family)
	}
	switch a.family {
	case Internet, Flow:
		if c := strings.Compare(a.ip.String(), b.ip.String()); c != 0 {
			return c
		}
		if a.port != b.port {
			return int(a.port) - int(b.port)
		}
		return strings.Compare(a.zone, b.zone)
	case Unix:
		return strings.Compare(a.path, b.path)
	case Packet:
		return strings.Compare(a.ifName, b.ifName)
	default:
		return 0
	}
}

// ParseInternet parses "host:port" or "[host%zone]:port" into an Internet
// Address.
func ParseInternet(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("address: parse port %q: %w", portStr, err)
	}
	zone := ""
	if idx := strings.IndexByte(host, '%'); idx >= 0 {
		zone = host[idx+1:]
		host = host[:idx]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("address: invalid host %q", host)
	}
	return NewInternetZone(ip, zone, uint16(port)), nil
}

// ParseInternetList parses the multi-homed "addr1/addr2/...:port" form
// used by tsctp and sctp_test.go's ResolveSCTPAddr, returning one Address
// per component IP, all sharing the same port.
func ParseInternetList(s string) ([]Address, error) {
	lastColon := strings.LastIndexByte(s, ':')
	if lastColon < 0 {
		return nil, fmt.Errorf("address: missing port in %q", s)
	}
	hostsPart := s[:lastColon]
	portStr := s[lastColon+1:]
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("address: invalid port %q: %w", portStr, err)
	}
	hosts := strings.Split(hostsPart, "/")
	out := make([]Address, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimPrefix(strings.TrimSuffix(h, "]"), "[")
		zone := ""
		if idx := strings.IndexByte(h, '%'); idx >= 0 {
			zone = h[idx+1:]
			h = h[:idx]
		}
		ip := net.ParseIP(h)
		if ip == nil {
			return nil, fmt.Errorf("address: invalid host %q", h)
		}
		out = append(out, NewInternetZone(ip, zone, uint16(port)))
	}
	return out, nil
}

// ToSockaddr converts an Internet Address to the unix.Sockaddr the engine
// and raw getsockopt/setsockopt calls need.
func (a Address) ToSockaddr() (unix.Sockaddr, error) {
	switch a.family {
	case Internet, Flow:
		if v4 := a.ip.To4(); v4 != nil {
			sa := &unix.SockaddrInet4{Port: int(a.port)}
			copy(sa.Addr[:], v4)
			return sa, nil
		}
		sa := &unix.SockaddrInet6{Port: int(a.port)}
		copy(sa.Addr[:], a.ip.To16())
		return sa, nil
	case Unix:
		return &unix.SockaddrUnix{Name: a.path}, nil
	default:
		return nil, fmt.Errorf("address: family %s has no system sockaddr form", a.family)
	}
}

// FromSockaddr is the inverse of ToSockaddr, used when the engine reports
// a peer address discovered on the wire.
func FromSockaddr(sa unix.Sockaddr) (Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3])
		return NewInternet(ip, uint16(v.Port)), nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return NewInternetZone(ip, zoneFromIndex(v.ZoneId), uint16(v.Port)), nil
	case *unix.SockaddrUnix:
		return NewUnix(v.Name), nil
	default:
		return Address{}, fmt.Errorf("address: unsupported sockaddr type %T", sa)
	}
}

func zoneFromIndex(idx uint32) string {
	if idx == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(idx)); err == nil {
		return iface.Name
	}
	return strconv.FormatUint(uint64(idx), 10)
}

// List is a length-prefixed vector of addresses (replaces the
// NULL-terminated C array with this).
type List []Address

// Contains reports whether addr appears in the list (by Equal).
func (l List) Contains(addr Address) bool {
	for _, a := range l {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// Strings renders each element's String() form, for notifications and
// logging.
func (l List) Strings() []string {
	out := make([]string, len(l))
	for i, a := range l {
		out[i] = a.String()
	}
	return out
}
