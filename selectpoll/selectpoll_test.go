package selectpoll_test

import (
	"context"
	"testing"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/bsdapi"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/master"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/selectpoll"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/sirupsen/logrus"
)

type fakeEngine struct {
	cb       engine.Callbacks
	nextInst engine.InstanceID
	nextAsoc engine.AssocID
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
func (f *fakeEngine) Send(engine.AssocID, []byte, engine.SendInfo) error { return nil }
func (f *fakeEngine) Shutdown(engine.AssocID) error                      { return nil }
func (f *fakeEngine) Abort(engine.AssocID) error                         { return nil }
func (f *fakeEngine) DeleteAssociation(engine.AssocID) error             { return nil }
func (f *fakeEngine) BindX(engine.InstanceID, address.List, bool) error  { return nil }
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

func newTestShim(t *testing.T) (*bsdapi.Shim, *fakeEngine) {
	t.Helper()
	var mu syncutil.RecursiveMutex
	mu.Lock()
	t.Cleanup(mu.Unlock)
	fe := &fakeEngine{}
	log := logrus.NewEntry(logrus.New())
	mst := master.New(&mu, fe, log)
	return bsdapi.New(&mu, fe, mst, log), fe
}

func TestPollReturnsImmediatelyWhenAcceptQueueNonEmpty(t *testing.T) {
	sh, fe := newTestShim(t)
	fd, err := sh.Socket(2, 5, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh.Bind(fd, 6000, 1, 1, address.List{address.NewInternet(nil, 6000)}); err != nil {
		t.Fatal(err)
	}
	if err := sh.Listen(fd, 5); err != nil {
		t.Fatal(err)
	}

	fe.cb.CommunicationUp(fe.nextInst, 77, 1, 1, true)

	n, perr := selectpoll.Poll(sh, []selectpoll.FD{{FD: fd, Events: selectpoll.In}}, 0)
	if perr != nil {
		t.Fatal(perr)
	}
	if n != 1 {
		t.Fatalf("ready = %d, want 1", n)
	}
}

func TestPollTimesOutWhenNothingReady(t *testing.T) {
	sh, _ := newTestShim(t)
	fd, err := sh.Socket(2, 5, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh.Bind(fd, 6001, 1, 1, address.List{address.NewInternet(nil, 6001)}); err != nil {
		t.Fatal(err)
	}
	if err := sh.Listen(fd, 5); err != nil {
		t.Fatal(err)
	}

	n, perr := selectpoll.Poll(sh, []selectpoll.FD{{FD: fd, Events: selectpoll.In}}, 10*time.Millisecond)
	if perr != nil {
		t.Fatal(perr)
	}
	if n != 0 {
		t.Fatalf("ready = %d, want 0", n)
	}
}

func TestSelectReportsWriteReadyOnAutoConnectSocket(t *testing.T) {
	sh, _ := newTestShim(t)
	fd, err := sh.Socket(2, 5, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := sh.Bind(fd, 0, 1, 1, address.List{address.NewInternet(nil, 0)}); err != nil {
		t.Fatal(err)
	}

	_, writable, _, serr := selectpoll.Select(sh, nil, []int{fd}, nil, 0)
	if serr != nil {
		t.Fatal(serr)
	}
	if len(writable) != 1 || writable[0] != fd {
		t.Fatalf("writable = %v, want [%d]", writable, fd)
	}
}
