package assoc

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/sirupsen/logrus"
)

// fakeEngine is a minimal engine.Engine stub for exercising Association in
// isolation, without a kernel SCTP stack.
type fakeEngine struct {
	rto       engine.RTOInfo
	sendErr   error
	sent      [][]byte
	shutdowns int
	aborts    int
}

func (f *fakeEngine) SetCallbacks(engine.Callbacks) {}
func (f *fakeEngine) Run(ctx context.Context) error { return nil }
func (f *fakeEngine) RegisterInstance(address.List, uint16, uint16, engine.Mode) (engine.InstanceID, error) {
	return 0, nil
}
func (f *fakeEngine) UnregisterInstance(engine.InstanceID) error { return nil }
func (f *fakeEngine) Listen(engine.InstanceID, int) error        { return nil }
func (f *fakeEngine) Associate(engine.InstanceID, address.List, uint16, int, time.Duration) (engine.AssocID, error) {
	return 0, nil
}
func (f *fakeEngine) Send(assoc engine.AssocID, data []byte, info engine.SendInfo) error {
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}
func (f *fakeEngine) Shutdown(engine.AssocID) error                          { f.shutdowns++; return nil }
func (f *fakeEngine) Abort(engine.AssocID) error                             { f.aborts++; return nil }
func (f *fakeEngine) DeleteAssociation(engine.AssocID) error                 { return nil }
func (f *fakeEngine) BindX(engine.InstanceID, address.List, bool) error      { return nil }
func (f *fakeEngine) LocalAddresses(engine.InstanceID) (address.List, error) { return nil, nil }
func (f *fakeEngine) PeerAddresses(engine.AssocID) (address.List, error)     { return nil, nil }
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
func (f *fakeEngine) RTOInfo(engine.AssocID) (engine.RTOInfo, error) { return f.rto, nil }
func (f *fakeEngine) SetRTOInfo(assoc engine.AssocID, info engine.RTOInfo) error {
	f.rto = info
	return nil
}
func (f *fakeEngine) AssocInfo(engine.AssocID) (engine.AssocInfo, error) {
	return engine.AssocInfo{}, nil
}
func (f *fakeEngine) SetAssocInfo(engine.AssocID, engine.AssocInfo) error      { return nil }
func (f *fakeEngine) SetEvents(engine.InstanceID, notifyqueue.EventMask) error { return nil }
func (f *fakeEngine) SetAutoClose(engine.InstanceID, time.Duration) error      { return nil }
func (f *fakeEngine) PeelOff(engine.AssocID) (engine.InstanceID, error)        { return 0, nil }

func newTestAssoc(t *testing.T, mu *syncutil.RecursiveMutex) (*Association, *fakeEngine) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	fe := &fakeEngine{rto: engine.RTOInfo{Initial: time.Second, Max: 60 * time.Second, Min: 100 * time.Millisecond}}
	readC := syncutil.New(mu, "parent.read")
	writeC := syncutil.New(mu, "parent.write")
	exC := syncutil.New(mu, "parent.exception")
	a := New(mu, fe, log, 1, readC, writeC, exC, nil)
	return a, fe
}

func TestAssociationSendUsesDefaults(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, fe := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(5, 5)
	a.Defaults = Defaults{StreamID: 2, ProtoID: 99}

	n, err := a.Send([]byte("hello"), SendOptions{UseDefaults: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if len(fe.sent) != 1 || string(fe.sent[0]) != "hello" {
		t.Fatalf("unexpected sent data: %v", fe.sent)
	}
}

func TestAssociationSendAfterLostFails(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, _ := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(1, 1)
	a.HandleCommunicationLost()

	_, err := a.Send([]byte("x"), SendOptions{})
	if err != syscall.ENOTCONN {
		t.Fatalf("err = %v, want ENOTCONN", err)
	}
}

func TestAssociationSendNonBlockingEAGAIN(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, fe := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(1, 1)
	fe.sendErr = syscall.EAGAIN

	_, err := a.Send([]byte("x"), SendOptions{NonBlocking: true})
	if err != syscall.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
}

func TestAssociationReceivePartialThenRemainder(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, _ := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(1, 1)

	payload := []byte("HelloWorld")
	if err := a.Queue().Add(notifyqueue.Notification{Type: notifyqueue.DataArrive, Payload: payload, BytesRemaining: len(payload), StreamID: 3}); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 4)
	n, info, err := a.Receive(buf, ReceiveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || info.EndOfRecord || string(buf[:n]) != "Hell" {
		t.Fatalf("unexpected first read: n=%d info=%+v buf=%q", n, info, buf[:n])
	}
	n, info, err = a.Receive(buf, ReceiveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || info.EndOfRecord || string(buf[:n]) != "oWor" {
		t.Fatalf("unexpected second read: n=%d info=%+v buf=%q", n, info, buf[:n])
	}
	n, info, err = a.Receive(buf, ReceiveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || !info.EndOfRecord || string(buf[:n]) != "ld" {
		t.Fatalf("unexpected final read: n=%d info=%+v buf=%q", n, info, buf[:n])
	}
}

func TestAssociationReceiveNonBlockingEmptyEAGAIN(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, _ := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(1, 1)

	_, _, err := a.Receive(make([]byte, 4), ReceiveOptions{NonBlocking: true})
	if err != syscall.EAGAIN {
		t.Fatalf("err = %v, want EAGAIN", err)
	}
}

func TestAssociationReceiveAfterShutdownCompleteReturnsEOF(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, _ := newTestAssoc(t, &mu)
	a.HandleCommunicationUp(1, 1)
	a.HandleShutdownComplete()

	n, _, err := a.Receive(make([]byte, 4), ReceiveOptions{})
	if err != nil || n != 0 {
		t.Fatalf("n, err = %d, %v, want 0, nil", n, err)
	}
}

func TestShadowRTOMaxForSetupRestoresOnCommUp(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, fe := newTestAssoc(t, &mu)

	original := fe.rto.Max
	if err := a.ShadowRTOMaxForSetup(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if fe.rto.Max != 2*time.Second {
		t.Fatalf("rto.Max = %v, want 2s", fe.rto.Max)
	}
	a.HandleCommunicationUp(1, 1)
	if fe.rto.Max != original {
		t.Fatalf("rto.Max = %v, want restored %v", fe.rto.Max, original)
	}
}

func TestUseCountZeroHook(t *testing.T) {
	var mu syncutil.RecursiveMutex
	mu.Lock()
	defer mu.Unlock()
	a, _ := newTestAssoc(t, &mu)
	fired := false
	a.OnUseCountZero = func(*Association) { fired = true }

	a.Retain()
	a.Retain()
	a.Release()
	if fired {
		t.Fatal("hook fired too early")
	}
	a.Release()
	if !fired {
		t.Fatal("hook did not fire at zero")
	}
}
