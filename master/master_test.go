package master

import (
	"context"
	"testing"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/sirupsen/logrus"
)

type fakeEngine struct {
	cb           engine.Callbacks
	aborted      []engine.AssocID
	deleted      []engine.AssocID
	unregistered []engine.InstanceID
}

func (f *fakeEngine) SetCallbacks(cb engine.Callbacks) { f.cb = cb }
func (f *fakeEngine) Run(ctx context.Context) error    { <-ctx.Done(); return ctx.Err() }
func (f *fakeEngine) RegisterInstance(address.List, uint16, uint16, engine.Mode) (engine.InstanceID, error) {
	return 0, nil
}
func (f *fakeEngine) UnregisterInstance(inst engine.InstanceID) error {
	f.unregistered = append(f.unregistered, inst)
	return nil
}
func (f *fakeEngine) Listen(engine.InstanceID, int) error { return nil }
func (f *fakeEngine) Associate(engine.InstanceID, address.List, uint16, int, time.Duration) (engine.AssocID, error) {
	return 0, nil
}
func (f *fakeEngine) Send(engine.AssocID, []byte, engine.SendInfo) error { return nil }
func (f *fakeEngine) Shutdown(engine.AssocID) error                      { return nil }
func (f *fakeEngine) Abort(assoc engine.AssocID) error {
	f.aborted = append(f.aborted, assoc)
	return nil
}
func (f *fakeEngine) DeleteAssociation(assoc engine.AssocID) error {
	f.deleted = append(f.deleted, assoc)
	return nil
}
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
func (f *fakeEngine) RTOInfo(engine.AssocID) (engine.RTOInfo, error)  { return engine.RTOInfo{}, nil }
func (f *fakeEngine) SetRTOInfo(engine.AssocID, engine.RTOInfo) error { return nil }
func (f *fakeEngine) AssocInfo(engine.AssocID) (engine.AssocInfo, error) {
	return engine.AssocInfo{}, nil
}
func (f *fakeEngine) SetAssocInfo(engine.AssocID, engine.AssocInfo) error      { return nil }
func (f *fakeEngine) SetEvents(engine.InstanceID, notifyqueue.EventMask) error { return nil }
func (f *fakeEngine) SetAutoClose(engine.InstanceID, time.Duration) error      { return nil }
func (f *fakeEngine) PeelOff(engine.AssocID) (engine.InstanceID, error)        { return 0, nil }

type fakeOwner struct {
	inst      engine.InstanceID
	listening bool
	upCalls   []engine.AssocID
	lostCalls []engine.AssocID
	dataCalls int
	pending   bool
}

func (o *fakeOwner) InstanceID() engine.InstanceID { return o.inst }
func (o *fakeOwner) IsListening() bool             { return o.listening }
func (o *fakeOwner) OnCommunicationUp(assoc engine.AssocID, inStreams, outStreams uint16, incoming bool) {
	o.upCalls = append(o.upCalls, assoc)
}
func (o *fakeOwner) OnCommunicationLost(assoc engine.AssocID, abrupt bool) {
	o.lostCalls = append(o.lostCalls, assoc)
}
func (o *fakeOwner) OnCommunicationError(engine.AssocID, uint16)               {}
func (o *fakeOwner) OnRestart(engine.AssocID, uint16, uint16)                  {}
func (o *fakeOwner) OnShutdownReceived(engine.AssocID)                         {}
func (o *fakeOwner) OnShutdownComplete(engine.AssocID)                         {}
func (o *fakeOwner) OnDataArrive(engine.AssocID, uint16, uint32, []byte, bool) { o.dataCalls++ }
func (o *fakeOwner) OnSendFailure(engine.AssocID, []byte, engine.SendInfo)     {}
func (o *fakeOwner) OnNetworkStatusChange(engine.AssocID, address.Address, notifyqueue.PeerAddrChangeState, uint16) {
}
func (o *fakeOwner) AutoCloseSweep() []engine.AssocID { return nil }
func (o *fakeOwner) HasPendingAssociations() bool     { return o.pending }

func newTestMaster(t *testing.T) (*Master, *fakeEngine) {
	t.Helper()
	var mu syncutil.RecursiveMutex
	fe := &fakeEngine{}
	log := logrus.NewEntry(logrus.New())
	m := New(&mu, fe, log)
	return m, fe
}

func TestCommunicationUpDispatchesToOwner(t *testing.T) {
	m, fe := newTestMaster(t)
	owner := &fakeOwner{inst: 1, listening: true}
	m.RegisterInstance(1, owner)

	fe.cb.CommunicationUp(1, 100, 5, 5, true)

	if len(owner.upCalls) != 1 || owner.upCalls[0] != 100 {
		t.Fatalf("upCalls = %v", owner.upCalls)
	}
}

func TestUnsolicitedCommunicationUpOnNonListeningIsAborted(t *testing.T) {
	m, fe := newTestMaster(t)
	owner := &fakeOwner{inst: 1, listening: false}
	m.RegisterInstance(1, owner)

	fe.cb.CommunicationUp(1, 100, 5, 5, true)

	if len(owner.upCalls) != 0 {
		t.Fatalf("expected rejection, got upCalls = %v", owner.upCalls)
	}
	if len(fe.aborted) != 1 || fe.aborted[0] != 100 {
		t.Fatalf("aborted = %v", fe.aborted)
	}
}

func TestCommunicationLostMarksPendingClose(t *testing.T) {
	m, fe := newTestMaster(t)
	owner := &fakeOwner{inst: 1, listening: true}
	m.RegisterInstance(1, owner)
	fe.cb.CommunicationUp(1, 100, 5, 5, false)

	fe.cb.CommunicationLost(1, 100, false)

	if len(owner.lostCalls) != 1 {
		t.Fatalf("lostCalls = %v", owner.lostCalls)
	}
	if _, pending := m.pendingCloseAssocs[100]; !pending {
		t.Fatal("expected assoc 100 marked pending close")
	}
}

func TestAssociationGarbageCollectionAbortsAndDeletesOnce(t *testing.T) {
	m, fe := newTestMaster(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarkAssociationPendingClose(7, true)

	m.associationGarbageCollection(7)
	m.associationGarbageCollection(7) // second call must be a no-op

	if len(fe.aborted) != 1 || fe.aborted[0] != 7 {
		t.Fatalf("aborted = %v, want exactly one abort of 7", fe.aborted)
	}
	if len(fe.deleted) != 1 || fe.deleted[0] != 7 {
		t.Fatalf("deleted = %v, want exactly one delete of 7", fe.deleted)
	}
}

func TestSocketGarbageCollectionUnregistersEmptyPendingInstance(t *testing.T) {
	m, fe := newTestMaster(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := &fakeOwner{inst: 9, pending: false}
	m.RegisterInstance(9, owner)
	m.MarkInstancePendingClose(9)

	m.socketGarbageCollection()

	if len(fe.unregistered) != 1 || fe.unregistered[0] != 9 {
		t.Fatalf("unregistered = %v", fe.unregistered)
	}
}

func TestSocketGarbageCollectionSkipsInstanceWithPendingAssociations(t *testing.T) {
	m, fe := newTestMaster(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	owner := &fakeOwner{inst: 9, pending: true}
	m.RegisterInstance(9, owner)
	m.MarkInstancePendingClose(9)

	m.socketGarbageCollection()

	if len(fe.unregistered) != 0 {
		t.Fatalf("unregistered = %v, want none", fe.unregistered)
	}
}

func TestEphemeralPortWithinRange(t *testing.T) {
	m, _ := newTestMaster(t)
	for i := 0; i < 100; i++ {
		p := m.EphemeralPort()
		if p < 49152 {
			t.Fatalf("port %d below ephemeral range", p)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newTestMaster(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
