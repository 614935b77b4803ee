package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeDevice is an in-process CozyLife endpoint for transport tests.
type fakeDevice struct {
	t  *testing.T
	ln net.Listener

	did, pid, dtp string
	dpids         []int

	mu    sync.Mutex
	state map[int]int
	conns []net.Conn

	// silentAfterDiscovery stops all responses once info+query were served.
	silentAfterDiscovery bool
	// holdSetAcks buffers this many set acks and releases them in reverse order.
	holdSetAcks int
	// rejectInfo answers the info request with res=2.
	rejectInfo bool
	// mute never answers anything.
	mute bool
}

func (d *fakeDevice) setHoldSetAcks(n int) {
	d.mu.Lock()
	d.holdSetAcks = n
	d.mu.Unlock()
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &fakeDevice{
		t:     t,
		ln:    ln,
		did:   "dev-001122",
		pid:   "d50v0i",
		dtp:   capability.TypeLight,
		dpids: []int{1, 2, 3, 4},
		state: map[int]int{1: 0, 3: 500, 4: 1000},
	}
	go d.acceptLoop()
	t.Cleanup(d.close)
	return d
}

func (d *fakeDevice) addr() string { return d.ln.Addr().String() }

func (d *fakeDevice) close() {
	d.ln.Close()
	d.mu.Lock()
	for _, c := range d.conns {
		c.Close()
	}
	d.mu.Unlock()
}

func (d *fakeDevice) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
		go d.serve(conn)
	}
}

func (d *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	served := 0
	var heldAcks [][]byte

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req protocol.Frame
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		d.mu.Lock()
		mute := d.mute || (d.silentAfterDiscovery && served >= 2)
		reject := d.rejectInfo
		hold := d.holdSetAcks
		d.mu.Unlock()
		if mute {
			continue
		}

		zero := 0
		resp := protocol.Frame{PV: 0, Cmd: req.Cmd, SN: req.SN, Res: &zero}

		switch req.Cmd {
		case protocol.CmdInfo:
			if reject {
				two := 2
				resp.Res = &two
			} else {
				resp.Msg = protocol.Message{DID: d.did, PID: d.pid, DTP: d.dtp}
			}
		case protocol.CmdQuery:
			resp.Msg = protocol.Message{Attr: d.dpids, RawData: d.rawState()}
		case protocol.CmdSet:
			d.applySet(req.Msg.RawData)
			resp.Msg = protocol.Message{RawData: d.rawState()}
		}

		out, _ := json.Marshal(&resp)
		out = append(out, '\r', '\n')
		served++

		if req.Cmd == protocol.CmdSet && hold > 0 {
			heldAcks = append(heldAcks, out)
			if len(heldAcks) == hold {
				for i := len(heldAcks) - 1; i >= 0; i-- {
					conn.Write(heldAcks[i])
				}
				heldAcks = nil
				d.setHoldSetAcks(0)
			}
			continue
		}

		conn.Write(out)
	}
}

func (d *fakeDevice) applySet(data map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range data {
		var id int
		fmt.Sscanf(k, "%d", &id)
		d.state[id] = v
	}
}

func (d *fakeDevice) rawState() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.state))
	for k, v := range d.state {
		out[fmt.Sprintf("%d", k)] = v
	}
	return out
}

func (d *fakeDevice) stateValue(dpid int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[dpid]
}

// push sends an unsolicited state report on every open connection.
func (d *fakeDevice) push(data map[string]int) {
	frame := protocol.Frame{PV: 0, Cmd: protocol.CmdQuery, SN: "0", Msg: protocol.Message{RawData: data}}
	out, _ := json.Marshal(&frame)
	out = append(out, '\r', '\n')
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Write(out)
	}
}

func testOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		WriteTimeout:   time.Second,
		Logger:         testLogger(),
	}
}

func TestOpenDiscoversIdentityAndCapabilities(t *testing.T) {
	dev := newFakeDevice(t)

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.State() != StateReady {
		t.Errorf("state = %s, want ready", s.State())
	}
	id := s.Identity()
	if id.DeviceID != "dev-001122" || id.ProductID != "d50v0i" || id.DeviceType != capability.TypeLight {
		t.Errorf("identity = %+v", id)
	}
	m := s.Capabilities()
	if m == nil || !m.HasPower || !m.HasBrightness {
		t.Fatalf("capabilities = %+v", m)
	}
	// d50v0i: DPID 3 is brightness, DPID 4 canonical.
	if m.BrightnessDPID != protocol.DPIDBrightness {
		t.Errorf("brightness dpid = %d, want 4", m.BrightnessDPID)
	}
	if len(s.Entities()) != 1 {
		t.Errorf("entities = %d, want 1", len(s.Entities()))
	}
	// Discovery seeds the state cache.
	if got := s.RawState()[3]; got != 500 {
		t.Errorf("seeded state[3] = %d, want 500", got)
	}
}

func TestOpenConnectRefused(t *testing.T) {
	// Reserve a port with nothing listening behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Open(context.Background(), addr, testOptions())
	if !errors.Is(err, ErrConnectRefused) {
		t.Fatalf("err = %v, want ErrConnectRefused", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("refusal took %v, want well under connect timeout", time.Since(start))
	}
}

func TestOpenDiscoveryRejected(t *testing.T) {
	dev := newFakeDevice(t)
	dev.rejectInfo = true

	_, err := Open(context.Background(), dev.addr(), testOptions())
	if !errors.Is(err, ErrDiscoveryRejected) {
		t.Fatalf("err = %v, want ErrDiscoveryRejected", err)
	}
}

func TestOpenDiscoveryTimeout(t *testing.T) {
	dev := newFakeDevice(t)
	dev.mute = true

	opts := testOptions()
	opts.RequestTimeout = 100 * time.Millisecond
	_, err := Open(context.Background(), dev.addr(), opts)
	if !errors.Is(err, ErrDiscoveryTimeout) {
		t.Fatalf("err = %v, want ErrDiscoveryTimeout", err)
	}
}

func TestSkipValidation(t *testing.T) {
	dev := newFakeDevice(t)
	dev.mute = true

	opts := testOptions()
	opts.SkipValidation = true
	opts.AssumedIdentity = Identity{DeviceID: "assumed", ProductID: "zzz", DeviceType: capability.TypeSwitch}
	opts.AssumedDPIDs = []int{1}

	s, err := Open(context.Background(), dev.addr(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.Identity().DeviceID != "assumed" {
		t.Errorf("identity = %+v", s.Identity())
	}
	if len(s.Entities()) != capability.DefaultGangCount {
		t.Errorf("entities = %d, want %d", len(s.Entities()), capability.DefaultGangCount)
	}
}

func TestGangIndependence(t *testing.T) {
	dev := newFakeDevice(t)
	dev.dtp = capability.TypeSwitch
	dev.dpids = []int{1}
	dev.mu.Lock()
	dev.state = map[int]int{1: 0}
	dev.mu.Unlock()

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if len(s.Entities()) != 2 {
		t.Fatalf("entities = %d, want 2", len(s.Entities()))
	}

	on := true
	if err := s.Set(context.Background(), 0, Intent{Power: &on}); err != nil {
		t.Fatalf("set entity 0: %v", err)
	}
	if mask := dev.stateValue(1); mask != 1 {
		t.Errorf("device bitmask = %d, want 1", mask)
	}

	st0, _ := s.CurrentState(0)
	st1, _ := s.CurrentState(1)
	if !st0.Power {
		t.Error("entity 0 not on")
	}
	if st1.Power {
		t.Error("entity 1 turned on by entity 0's command")
	}

	// Turning on gang 1 must preserve gang 0's bit.
	if err := s.Set(context.Background(), 1, Intent{Power: &on}); err != nil {
		t.Fatalf("set entity 1: %v", err)
	}
	if mask := dev.stateValue(1); mask != 3 {
		t.Errorf("device bitmask = %d, want 3", mask)
	}
}

func TestConcurrentSetsOutOfOrderAcks(t *testing.T) {
	dev := newFakeDevice(t)
	dev.dtp = capability.TypeSwitch
	dev.dpids = []int{1}
	dev.mu.Lock()
	dev.state = map[int]int{1: 0}
	dev.mu.Unlock()

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	// The fake holds both acks and releases them in reverse send order;
	// correlation by sequence number must still match each caller.
	dev.setHoldSetAcks(2)

	on := true
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = s.Set(context.Background(), idx, Intent{Power: &on})
		}(i)
		// Stagger so the fake receives them in a known order.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("set entity %d: %v", i, err)
		}
	}

	// Both bits must survive: the second write folds the first one in
	// instead of clobbering it with a stale mask.
	if mask := dev.stateValue(1); mask != 0b11 {
		t.Errorf("device bitmask = %b, want 11", mask)
	}
}

func TestUnknownDPIDReportIsHarmless(t *testing.T) {
	dev := newFakeDevice(t)

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	events, unsub := s.Subscribe()
	defer unsub()

	dev.push(map[string]int{"99": 7, "1": 255})

	select {
	case evt := <-events:
		if evt.Changed[99] != 7 {
			t.Errorf("event = %+v, want dpid 99 present in raw report", evt.Changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state event delivered")
	}

	if s.State() != StateReady {
		t.Errorf("state = %s after unknown dpid, want ready", s.State())
	}
	if got := s.RawState()[99]; got != 7 {
		t.Errorf("raw state[99] = %d, want 7 (retained)", got)
	}

	// Unknown DPIDs never surface in the high-level snapshot.
	st, err := s.CurrentState(0)
	if err != nil {
		t.Fatalf("current state: %v", err)
	}
	if !st.Power {
		t.Error("power report lost")
	}
}

func TestCloseDrainsWaiters(t *testing.T) {
	dev := newFakeDevice(t)
	dev.silentAfterDiscovery = true

	opts := testOptions()
	opts.RequestTimeout = 5 * time.Second
	s, err := Open(context.Background(), dev.addr(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	on := true
	result := make(chan error, 1)
	go func() {
		result <- s.Set(context.Background(), 0, Intent{Power: &on})
	}()
	time.Sleep(100 * time.Millisecond)

	s.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("waiter err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight waiter not drained on close")
	}

	if !errors.Is(s.Err(), ErrSessionClosed) {
		t.Errorf("session err = %v, want ErrSessionClosed", s.Err())
	}
}

func TestKeepaliveFaultsSilentPeer(t *testing.T) {
	dev := newFakeDevice(t)
	dev.silentAfterDiscovery = true

	opts := testOptions()
	opts.RequestTimeout = 200 * time.Millisecond
	opts.KeepaliveInterval = 100 * time.Millisecond
	s, err := Open(context.Background(), dev.addr(), opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	select {
	case <-s.Done():
		if !errors.Is(s.Err(), ErrFaulted) {
			t.Errorf("err = %v, want ErrFaulted", s.Err())
		}
		if s.State() != StateFaulted {
			t.Errorf("state = %s, want faulted", s.State())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("silent peer did not fault the session")
	}
}

func TestPeerDisconnectFaults(t *testing.T) {
	dev := newFakeDevice(t)

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	events, unsub := s.Subscribe()
	defer unsub()

	dev.close()

	select {
	case <-s.Done():
		if !errors.Is(s.Err(), ErrFaulted) {
			t.Errorf("err = %v, want ErrFaulted", s.Err())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("peer disconnect not observed")
	}

	// Subscriber channel closes on teardown.
	select {
	case _, ok := <-events:
		if ok {
			return // drained a buffered event, channel close follows
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestUnsupportedIntent(t *testing.T) {
	dev := newFakeDevice(t)
	dev.dtp = capability.TypeSwitch
	dev.dpids = []int{1}

	s, err := Open(context.Background(), dev.addr(), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	b := 50
	err = s.Set(context.Background(), 0, Intent{Brightness: &b})
	if !errors.Is(err, ErrUnsupportedIntent) {
		t.Fatalf("err = %v, want ErrUnsupportedIntent", err)
	}
	var ierr *IntentError
	if !errors.As(err, &ierr) {
		t.Fatal("error does not expose IntentError context")
	}
	if ierr.Entity != 0 || ierr.Control != "brightness" {
		t.Errorf("intent error context = %+v", ierr)
	}
}
