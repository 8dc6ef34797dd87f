package address

import (
	"net"
	"testing"
)

var roundTripTests = []struct {
	family Family
	text   string
}{
	{Internet, "127.0.0.1:0"},
	{Internet, "127.0.0.1:65535"},
	{Internet, "[::1]:0"},
	{Internet, "[::1]:65535"},
	{Internet, "[::1%lo0]:0"},
}

func TestParseInternetRoundTrip(t *testing.T) {
	for _, tt := range roundTripTests {
		a, err := ParseInternet(tt.text)
		if err != nil {
			t.Fatalf("ParseInternet(%q): %v", tt.text, err)
		}
		if got := a.String(); got != tt.text {
			t.Errorf("ParseInternet(%q).String() = %q, want %q", tt.text, got, tt.text)
		}
	}
}

func TestParseInternetListMultihome(t *testing.T) {
	addrs, err := ParseInternetList("127.0.0.1/10.0.0.1:1234")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0].Port() != 1234 || addrs[1].Port() != 1234 {
		t.Errorf("ports did not propagate: %v", addrs)
	}
	if !addrs[0].IP().Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("addrs[0] = %v, want 127.0.0.1", addrs[0])
	}
}

func TestEqualIPv4MappedAgnostic(t *testing.T) {
	a := NewInternet(net.IPv4(127, 0, 0, 1), 80)
	b := NewInternet(net.ParseIP("127.0.0.1").To16(), 80)
	if !a.Equal(b) {
		t.Errorf("expected v4 and v4-in-v6 forms of the same address to compare equal")
	}
}

func TestEqualDifferentFamilyOrPort(t *testing.T) {
	a := NewInternet(net.IPv4(127, 0, 0, 1), 80)
	b := NewUnix("/tmp/s")
	if a.Equal(b) {
		t.Errorf("addresses of different families must not compare equal")
	}
	c := NewInternet(net.IPv4(127, 0, 0, 1), 81)
	if a.Equal(c) {
		t.Errorf("addresses with different ports must not compare equal")
	}
}

func TestInvalidAddressIsZeroValue(t *testing.T) {
	var a Address
	if a.IsValid() {
		t.Errorf("zero value Address must not be valid")
	}
	if a.String() != "<nil>" {
		t.Errorf("zero value Address.String() = %q", a.String())
	}
}

func TestUnixAndPacketStringRoundTrip(t *testing.T) {
	u := NewUnix("/var/run/foo.sock")
	if u.String() != "/var/run/foo.sock" {
		t.Errorf("unix address did not round-trip: %s", u.String())
	}
	p := NewPacket("eth0")
	if p.String() != "eth0" {
		t.Errorf("packet address did not round-trip: %s", p.String())
	}
}

func TestListContains(t *testing.T) {
	l := List{NewInternet(net.IPv4(127, 0, 0, 1), 1), NewInternet(net.IPv4(10, 0, 0, 1), 2)}
	if !l.Contains(NewInternet(net.IPv4(10, 0, 0, 1), 2)) {
		t.Errorf("expected list to contain matching address")
	}
	if l.Contains(NewInternet(net.IPv4(10, 0, 0, 2), 2)) {
		t.Errorf("list should not contain non-member address")
	}
}
