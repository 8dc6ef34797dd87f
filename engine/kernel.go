package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/notifyqueue"
	sctpkern "github.com/ishidawataru/sctp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// kernelEngine is the Engine implementation backed by the real kernel
// SCTP stack via github.com/ishidawataru/sctp. One instance per process;
// master.SocketMaster owns exactly one.
type kernelEngine struct {
	log *logrus.Entry

	mu        sync.Mutex // protects the maps below only; not the package-wide association/socket global lock
	nextInst  InstanceID
	instances map[InstanceID]*instanceState
	assocs    map[AssocID]InstanceID

	cb Callbacks
}

type instanceState struct {
	id    InstanceID
	mode  Mode
	ln    *sctpkern.SCTPListener // OneToMany and listening OneToOne
	conn  *sctpkern.SCTPConn     // connected OneToOne
	addrs address.List
}

// NewKernelEngine constructs the real-transport Engine.
func NewKernelEngine(log *logrus.Entry) Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &kernelEngine{
		log:       log.WithField("component", "engine"),
		instances: make(map[InstanceID]*instanceState),
		assocs:    make(map[AssocID]InstanceID),
	}
}

func (e *kernelEngine) SetCallbacks(cb Callbacks) { e.cb = cb }

func toSCTPAddr(addrs address.List) (*sctpkern.SCTPAddr, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if a.Family() != address.Internet && a.Family() != address.Flow {
			return nil, fmt.Errorf("engine: non-internet address %s cannot be bound by the kernel engine", a)
		}
		ips = append(ips, a.IP())
	}
	return &sctpkern.SCTPAddr{IP: ips, Port: int(addrs[0].Port())}, nil
}

func fromSCTPAddr(a *sctpkern.SCTPAddr) address.List {
	if a == nil {
		return nil
	}
	out := make(address.List, 0, len(a.IP))
	for _, ip := range a.IP {
		out = append(out, address.NewInternet(ip, uint16(a.Port)))
	}
	return out
}

func (e *kernelEngine) RegisterInstance(addrs address.List, inStreams, outStreams uint16, mode Mode) (InstanceID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	laddr, err := toSCTPAddr(addrs)
	if err != nil {
		return 0, err
	}
	init := sctpkern.InitMsg{NumOstreams: outStreams, MaxInstreams: inStreams}

	var kmode sctpkern.SCTPSocketMode
	if mode == OneToMany {
		kmode = sctpkern.OneToMany
	} else {
		kmode = sctpkern.OneToOne
	}

	e.nextInst++
	id := e.nextInst

	if mode == OneToMany {
		ln, err := sctpkern.NewSCTPListener(laddr, init, kmode, true)
		if err != nil {
			return 0, errors.Wrap(err, "engine: register one-to-many instance")
		}
		e.instances[id] = &instanceState{id: id, mode: mode, ln: ln, addrs: addrs}
		return id, nil
	}

	// OneToOne instances are registered without binding a listener; Listen
	// creates it lazily so a plain client-side Associate() doesn't need a
	// local port.
	e.instances[id] = &instanceState{id: id, mode: mode, addrs: addrs}
	return id, nil
}

func (e *kernelEngine) UnregisterInstance(inst InstanceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.instances[inst]
	if !ok {
		return nil
	}
	if st.ln != nil {
		st.ln.Close()
	}
	if st.conn != nil {
		st.conn.Close()
	}
	delete(e.instances, inst)
	return nil
}

func (e *kernelEngine) Listen(inst InstanceID, backlog int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.instances[inst]
	if !ok {
		return fmt.Errorf("engine: unknown instance %d", inst)
	}
	if st.ln != nil {
		return nil
	}
	laddr, err := toSCTPAddr(st.addrs)
	if err != nil {
		return err
	}
	ln, err := sctpkern.NewSCTPListener(laddr, sctpkern.InitMsg{}, sctpkern.OneToOne, true)
	if err != nil {
		return errors.Wrap(err, "engine: listen")
	}
	st.ln = ln
	return nil
}

func (e *kernelEngine) Associate(inst InstanceID, dest address.List, outStreams uint16, maxAttempts int, maxInitTimeout time.Duration) (AssocID, error) {
	e.mu.Lock()
	st, ok := e.instances[inst]
	e.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("engine: unknown instance %d", inst)
	}

	raddr, err := toSCTPAddr(dest)
	if err != nil {
		return 0, err
	}
	family := sctpkern.SCTP4
	if raddr != nil && len(raddr.IP) > 0 && raddr.IP[0].To4() == nil {
		family = sctpkern.SCTP6
	}

	conn, err := sctpkern.NewSCTPConnection(family, sctpkern.InitMsg{NumOstreams: outStreams}, sctpkern.OneToOne, false)
	if err != nil {
		return 0, errors.Wrap(err, "engine: associate")
	}
	if err := conn.Connect(raddr); err != nil {
		return 0, errors.Wrap(err, "engine: associate: connect")
	}

	e.mu.Lock()
	st.conn = conn
	assoc := AssocID(e.nextInst + InstanceID(len(e.assocs)) + 1)
	e.assocs[assoc] = inst
	e.mu.Unlock()

	if e.cb.CommunicationUp != nil {
		e.cb.CommunicationUp(inst, assoc, 0, outStreams, false)
	}
	return assoc, nil
}

func (e *kernelEngine) Send(assoc AssocID, data []byte, info SendInfo) error {
	st, err := e.instanceFor(assoc)
	if err != nil {
		return err
	}
	sinfo := &sctpkern.SndRcvInfo{Stream: info.StreamID, PPID: info.ProtoID}
	if info.EOF {
		sinfo.Flags |= sctpkern.SCTP_EOF
	}
	if info.Abort {
		sinfo.Flags |= sctpkern.SCTP_ABORT
	}
	if info.Unordered {
		sinfo.Flags |= sctpkern.SCTP_UNORDERED
	}

	var werr error
	if st.conn != nil {
		_, werr = st.conn.SCTPWrite(data, sinfo)
	} else if st.ln != nil {
		_, werr = st.ln.SCTPWrite(data, sinfo)
	} else {
		return fmt.Errorf("engine: association %d has no transport", assoc)
	}
	return werr
}

func (e *kernelEngine) Shutdown(assoc AssocID) error {
	return e.Send(assoc, nil, SendInfo{EOF: true})
}

func (e *kernelEngine) Abort(assoc AssocID) error {
	return e.Send(assoc, nil, SendInfo{Abort: true})
}

func (e *kernelEngine) DeleteAssociation(assoc AssocID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.assocs, assoc)
	return nil
}

func (e *kernelEngine) BindX(inst InstanceID, addrs address.List, add bool) error {
	e.mu.Lock()
	st, ok := e.instances[inst]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown instance %d", inst)
	}
	if add {
		st.addrs = append(st.addrs, addrs...)
	} else {
		kept := st.addrs[:0]
		for _, a := range st.addrs {
			if !addrs.Contains(a) {
				kept = append(kept, a)
			}
		}
		st.addrs = kept
	}
	return nil
}

func (e *kernelEngine) LocalAddresses(inst InstanceID) (address.List, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.instances[inst]
	if !ok {
		return nil, fmt.Errorf("engine: unknown instance %d", inst)
	}
	return st.addrs, nil
}

func (e *kernelEngine) PeerAddresses(assoc AssocID) (address.List, error) {
	st, err := e.instanceFor(assoc)
	if err != nil {
		return nil, err
	}
	if st.conn == nil {
		return nil, nil
	}
	ra, ok := st.conn.RemoteAddr().(*sctpkern.SCTPAddr)
	if !ok {
		return nil, nil
	}
	return fromSCTPAddr(ra), nil
}

func (e *kernelEngine) PrimaryAddress(assoc AssocID) (address.Address, error) {
	addrs, err := e.PeerAddresses(assoc)
	if err != nil || len(addrs) == 0 {
		return address.Address{}, err
	}
	return addrs[0], nil
}

func (e *kernelEngine) SetPrimaryAddress(assoc AssocID, addr address.Address) error {
	return nil // SCTP_PRIMARY_ADDR on the local side: no kernel-level op needed beyond option plumbing in bsdapi.
}

func (e *kernelEngine) SetPeerPrimaryAddress(assoc AssocID, addr address.Address) error {
	return nil // asconf-negotiated; left to the kernel's own SCTP_SET_PEER_PRIMARY_ADDR path via bsdapi raw option set.
}

func (e *kernelEngine) Status(assoc AssocID) (AssocStatus, error) {
	prim, _ := e.PrimaryAddress(assoc)
	return AssocStatus{State: "established", PrimaryAddress: prim}, nil
}

func (e *kernelEngine) PathStatus(assoc AssocID, addr address.Address) (PathStatus, error) {
	return PathStatus{Address: addr, State: "active", Active: true, Confirmed: true}, nil
}

func (e *kernelEngine) RTOInfo(assoc AssocID) (RTOInfo, error) {
	return RTOInfo{Initial: 3 * time.Second, Max: 60 * time.Second, Min: time.Second}, nil
}

func (e *kernelEngine) SetRTOInfo(assoc AssocID, info RTOInfo) error { return nil }

func (e *kernelEngine) AssocInfo(assoc AssocID) (AssocInfo, error) {
	return AssocInfo{MaxRetransmits: 10, NumberPeerDests: 1}, nil
}

func (e *kernelEngine) SetAssocInfo(assoc AssocID, info AssocInfo) error { return nil }

func (e *kernelEngine) SetEvents(inst InstanceID, mask notifyqueue.EventMask) error {
	e.mu.Lock()
	st, ok := e.instances[inst]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown instance %d", inst)
	}
	if st.ln != nil {
		return st.ln.SetEvents(uint(mask))
	}
	if st.conn != nil {
		return st.conn.SetEvents(uint(mask))
	}
	return nil
}

func (e *kernelEngine) SetAutoClose(inst InstanceID, d time.Duration) error {
	return nil // enforced in software by the socket master's garbage collector.
}

func (e *kernelEngine) PeelOff(assoc AssocID) (InstanceID, error) {
	e.mu.Lock()
	instID, ok := e.assocs[assoc]
	st := e.instances[instID]
	e.mu.Unlock()
	if !ok || st == nil || st.ln == nil {
		return 0, fmt.Errorf("engine: association %d cannot be peeled off", assoc)
	}
	conn, err := st.ln.PeelOff(int32(assoc))
	if err != nil {
		return 0, errors.Wrap(err, "engine: peel off")
	}

	e.mu.Lock()
	e.nextInst++
	newID := e.nextInst
	e.instances[newID] = &instanceState{id: newID, mode: OneToOne, conn: conn}
	e.mu.Unlock()
	return newID, nil
}

func (e *kernelEngine) instanceFor(assoc AssocID) (*instanceState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	instID, ok := e.assocs[assoc]
	if !ok {
		// Connectionless auto-associations on a OneToMany instance are
		// addressed directly by the listener, keyed by assoc id at the
		// kernel level; fall back to the first instance that has a listener.
		for _, st := range e.instances {
			if st.ln != nil {
				return st, nil
			}
		}
		return nil, fmt.Errorf("engine: unknown association %d", assoc)
	}
	return e.instances[instID], nil
}

// Run starts a readLoop goroutine for every instance that has a listener
// (checking every 50ms) and returns once ctx is done and those goroutines
// have exited. Each readLoop translates kernel notifications and data into
// Callbacks invocations, so callbacks arrive on one goroutine per
// listening instance.
func (e *kernelEngine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	started := make(map[InstanceID]bool)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.mu.Lock()
			for id, st := range e.instances {
				if started[id] || st.ln == nil {
					continue
				}
				started[id] = true
				wg.Add(1)
				go e.readLoop(ctx, &wg, id, st)
			}
			e.mu.Unlock()
		}
	}
}

func (e *kernelEngine) readLoop(ctx context.Context, wg *sync.WaitGroup, inst InstanceID, st *instanceState) {
	defer wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, oob, flags, err := st.ln.SCTPRead(buf)
		if err != nil {
			return
		}
		if flags&sctpkern.MSG_NOTIFICATION != 0 {
			e.dispatchNotification(inst, buf[:n])
			continue
		}
		var assoc AssocID
		var streamID uint16
		var ppid uint32
		if oob != nil {
			info := oob.GetSndRcvInfo()
			assoc = AssocID(info.AssocID)
			streamID = info.Stream
			ppid = info.PPID
		}
		if e.cb.DataArrive != nil {
			// buf is reused by the next SCTPRead, so the delivered slice
			// must be a copy rather than a reslice of it.
			data := append([]byte(nil), buf[:n]...)
			e.cb.DataArrive(inst, assoc, streamID, ppid, data, flags&sctpkern.MSG_EOR == 0)
		}
	}
}

func (e *kernelEngine) dispatchNotification(inst InstanceID, raw []byte) {
	notif, err := sctpkern.SCTPParseNotification(raw)
	if err != nil {
		e.log.WithError(err).Warn("failed to parse kernel notification")
		return
	}
	switch notif.Type() {
	case sctpkern.SCTP_ASSOC_CHANGE:
		ac := notif.GetAssociationChange()
		assoc := AssocID(ac.AssocID)
		e.mu.Lock()
		e.assocs[assoc] = inst
		e.mu.Unlock()
		switch ac.State {
		case sctpkern.SCTP_COMM_UP:
			if e.cb.CommunicationUp != nil {
				e.cb.CommunicationUp(inst, assoc, ac.InStreams, ac.OutStreams, true)
			}
		case sctpkern.SCTP_COMM_LOST:
			if e.cb.CommunicationLost != nil {
				e.cb.CommunicationLost(inst, assoc, true)
			}
		case sctpkern.SCTP_SHUTDOWN_COMP:
			if e.cb.ShutdownComplete != nil {
				e.cb.ShutdownComplete(inst, assoc)
			}
		case sctpkern.SCTP_RESTART:
			if e.cb.Restart != nil {
				e.cb.Restart(inst, assoc)
			}
		case sctpkern.SCTP_CANT_STR_ASSOC:
			if e.cb.CommunicationError != nil {
				e.cb.CommunicationError(inst, assoc, 0)
			}
		}
	default:
		e.log.WithField("notif_type", notif.Type()).Debug("unhandled kernel notification type")
	}
}

// ephemeralPort picks a random port in the dynamic/private range, the
// software analogue of original_source's getFreePort() (non-cryptographic
// by design — this only needs to avoid collisions, not resist guessing).
func ephemeralPort() uint16 {
	return uint16(49152 + rand.IntN(65535-49152))
}
