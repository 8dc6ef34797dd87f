package socketapi

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/assoc"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/master"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/sirupsen/logrus"
)

func assocSendOpts() assoc.SendOptions { return assoc.SendOptions{} }

type fakeEngine struct {
	cb       engine.Callbacks
	nextInst engine.InstanceID
	nextAsoc engine.AssocID
	sent     [][]byte
}

func (f *fakeEngine) SetCallbacks(cb engine.Callbacks) { f.cb = cb }
func (f *fakeEngine) Run(ctx context.Context) error    { <-ctx.Done(); return ctx.Err() }
func (f *fakeEngine) RegisterInstance(address.List, uint16, uint16, engine.Mode) (engine.InstanceID, error) {
	f.nextInst++
	return f.nextInst, nil
}
func (f *fakeEngine) UnregisterInstance(engine.InstanceID) error { return nil }
func (f *fakeEngine) Listen(engine.InstanceID, int) error        { return nil }
func (f *fakeEngine) Associate(engine.InstanceID, address.List, uint16, int, time.Duration) (engine.AssocID, error) {
	f.nextAsoc++
	return f.nextAsoc, nil
}
func (f *fakeEngine) Send(assoc engine.AssocID, data []byte, info engine.SendInfo) error {
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeEngine) Shutdown(engine.AssocID) error                     { return nil }
func (f *fakeEngine) Abort(engine.AssocID) error                        { return nil }
func (f *fakeEngine) DeleteAssociation(engine.AssocID) error            { return nil }
func (f *fakeEngine) BindX(engine.InstanceID, address.List, bool) error { return nil }
func (f *fakeEngine) LocalAddresses(engine.InstanceID) (address.List, error) {
	return address.List{address.NewInternet(nil, 12345)}, nil
}
func (f *fakeEngine) PeerAddresses(engine.AssocID) (address.List, error) { return nil, nil }
func (f *fakeEngine) PrimaryAddress(engine.AssocID) (address.Address, error) {
	return address.Address{}, nil
}
func (f *fakeEngine) SetPrimaryAddress(engine.AssocID, address.Address) error     { return nil }
func (f *fakeEngine) SetPeerPrimaryAddress(engine.AssocID, address.Address) error { return nil }
func (f *fakeEngine) Status(engine.AssocID) (engine.AssocStatus, error) {
	return engine.AssocStatus{}, nil
}
func (f *fakeEngine) PathStatus(engine.AssocID, address.Address) (engine.PathStatus, error) {
	return engine.PathStatus{}, nil
}
func (f *fakeEngine) RTOInfo(engine.AssocID) (engine.RTOInfo, error) {
	return engine.RTOInfo{Max: 60 * time.Second}, nil
}
func (f *fakeEngine) SetRTOInfo(engine.AssocID, engine.RTOInfo) error { return nil }
func (f *fakeEngine) AssocInfo(engine.AssocID) (engine.AssocInfo, error) {
	return engine.AssocInfo{}, nil
}
func (f *fakeEngine) SetAssocInfo(engine.AssocID, engine.AssocInfo) error      { return nil }
func (f *fakeEngine) SetEvents(engine.InstanceID, notifyqueue.EventMask) error { return nil }
func (f *fakeEngine) SetAutoClose(engine.InstanceID, time.Duration) error      { return nil }
func (f *fakeEngine) PeelOff(engine.AssocID) (engine.InstanceID, error)        { return 0, nil }

func newTestSocket(t *testing.T, flags Flags) (*Socket, *fakeEngine, *master.Master) {
	t.Helper()
	var mu syncutil.RecursiveMutex
	mu.Lock()
	t.Cleanup(mu.Unlock)
	fe := &fakeEngine{}
	log := logrus.NewEntry(logrus.New())
	mst := master.New(&mu, fe, log)
	s := New(&mu, fe, mst, log, flags, nil, nil, nil)
	return s, fe, mst
}

func TestBindRegistersInstanceWithMaster(t *testing.T) {
	s, fe, _ := newTestSocket(t, 0)
	addrs := address.List{address.NewInternet(nil, 10000)}
	if err := s.Bind(10000, 1, 1, addrs); err != nil {
		t.Fatal(err)
	}
	if s.inst != fe.nextInst {
		t.Fatalf("inst = %d, want %d", s.inst, fe.nextInst)
	}
}

func TestBindRejectsEmptyAddressList(t *testing.T) {
	s, _, _ := newTestSocket(t, 0)
	if err := s.Bind(0, 1, 1, nil); err == nil {
		t.Fatal("expected error for empty address list")
	}
}

func TestOneToOneAssociateThenSend(t *testing.T) {
	s, fe, _ := newTestSocket(t, 0)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	a, err := s.Associate(1, 0, 0, address.List{address.NewInternet(nil, 2000)}, false)
	if err != nil {
		t.Fatal(err)
	}
	fe.cb.CommunicationUp(s.inst, a.ID(), 1, 1, false)

	n, err := s.SendTo([]byte("ping"), nil, assocSendOpts())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestIncomingAssociationQueuedForAccept(t *testing.T) {
	s, fe, _ := newTestSocket(t, 0)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	s.Listen(5)

	fe.cb.CommunicationUp(s.inst, 42, 1, 1, true)

	a, _, err := s.Accept(false)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() != 42 {
		t.Fatalf("accepted assoc id = %d, want 42", a.ID())
	}
}

func TestAcceptNonBlockingEmptyReturnsEAGAIN(t *testing.T) {
	s, _, _ := newTestSocket(t, 0)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	s.Listen(5)
	if _, _, err := s.Accept(false); err != syscall.EAGAIN {
		t.Fatal("expected EAGAIN on empty non-blocking accept")
	}
}

func TestUnsolicitedCommunicationUpRejectedWhenNotListening(t *testing.T) {
	s, fe, _ := newTestSocket(t, 0)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	fe.cb.CommunicationUp(s.inst, 99, 1, 1, true)
	if len(s.acceptQueue) != 0 {
		t.Fatal("non-listening socket must not queue incoming associations")
	}
}

func TestAutoConnectSendToCreatesAssociation(t *testing.T) {
	s, _, _ := newTestSocket(t, AutoConnect)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	dest := address.NewInternet(nil, 3000)
	n, err := s.SendTo([]byte("x"), &dest, assocSendOpts())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("n = %d, want 1", n)
	}
	if _, ok := s.autoByPeer[peerKey(dest)]; !ok {
		t.Fatal("expected auto-created association to be tracked")
	}
}

func TestPeelOffRemovesFromAutoMap(t *testing.T) {
	s, _, _ := newTestSocket(t, AutoConnect)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	dest := address.NewInternet(nil, 3000)
	if _, err := s.SendTo([]byte("x"), &dest, assocSendOpts()); err != nil {
		t.Fatal(err)
	}
	a, err := s.PeelOff(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsPeeledOff() {
		t.Fatal("expected IsPeeledOff true")
	}
	if _, ok := s.autoByPeer[peerKey(dest)]; ok {
		t.Fatal("expected association removed from auto map")
	}
}

func TestUnbindWithAutoAssociationsMarksUnbound(t *testing.T) {
	s, _, _ := newTestSocket(t, AutoConnect)
	if err := s.Bind(0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}
	dest := address.NewInternet(nil, 3000)
	if _, err := s.SendTo([]byte("x"), &dest, assocSendOpts()); err != nil {
		t.Fatal(err)
	}
	s.Unbind(false)
	if s.bound {
		t.Fatal("expected socket unbound")
	}
}
