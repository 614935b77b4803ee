// Package session owns one TCP connection to one CozyLife device: it runs the
// discovery exchange, resolves the capability model, and exposes the
// command/state surface. A session is created Ready or not at all; callers
// never observe a session without a resolved capability model.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/protocol"
)

// State is the transport session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateClosing
	StateFaulted
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateDiscovering:  "discovering",
	StateReady:        "ready",
	StateClosing:      "closing",
	StateFaulted:      "faulted",
}

func (s State) String() string { return stateNames[s] }

// Identity is the immutable identity of one physical device, fixed at
// discovery. A changed product or DPID set requires a new session.
type Identity struct {
	DeviceID   string `json:"device_id"`
	ProductID  string `json:"product_id"`
	DeviceType string `json:"device_type"`
}

// StateEvent is one state report delivered to subscribers in wire order.
type StateEvent struct {
	Changed map[int]int // DPID -> raw value as reported
}

// Options configures a session.
type Options struct {
	ConnectTimeout    time.Duration // default 3s
	RequestTimeout    time.Duration // per request/response exchange, default 3s
	WriteTimeout      time.Duration // per frame write, default 2s
	KeepaliveInterval time.Duration // idle window before a liveness probe, default 30s; negative disables
	GangCount         int           // switch-family entity count override

	// SkipValidation bypasses the discovery exchange; AssumedIdentity and
	// AssumedDPIDs then feed capability inference directly. Developer mode
	// for devices that cannot be reached during setup.
	SkipValidation  bool
	AssumedIdentity Identity
	AssumedDPIDs    []int

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 3 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 3 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.KeepaliveInterval == 0 {
		out.KeepaliveInterval = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Session is one live connection to one device. All wire I/O goes through
// it: a single read loop routes inbound frames, writes are serialized, and
// concurrent requests are correlated strictly by sequence number.
type Session struct {
	addr   string
	opts   Options
	logger *slog.Logger
	conn   net.Conn

	state atomic.Int32

	// Sequence numbers: millisecond-epoch base plus a counter, matching the
	// firmware's expectation of monotonically growing numeric strings.
	sn atomic.Int64

	writeMu sync.Mutex

	// gangMu serializes the read-modify-write of the power bitmask so
	// concurrent writes for sibling gangs never clobber each other.
	gangMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	// Latest known value per DPID, mutated only by the read loop (and seeded
	// once by discovery before the session is handed out).
	stateMu sync.RWMutex
	latest  map[int]int
	dpids   []int

	subMu   sync.Mutex
	subs    map[uint64]chan StateEvent
	nextSub uint64

	identity Identity
	model    *capability.Model
	entities []capability.Entity

	lastActivity atomic.Int64 // unix nanos of last inbound frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu    sync.Mutex
	finalErr error
}

// Open dials the device, runs discovery and capability inference, and returns
// a Ready session. On any failure no session is returned and nothing is left
// behind. Connection errors are classified as ErrConnectTimeout or
// ErrConnectRefused; discovery errors as ErrDiscoveryTimeout or
// ErrDiscoveryRejected.
func Open(ctx context.Context, addr string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(protocol.DefaultPort))
	}

	s := &Session{
		addr:    addr,
		opts:    opts,
		logger:  opts.Logger.With("component", "session", "addr", addr),
		pending: make(map[string]chan *protocol.Frame),
		latest:  make(map[int]int),
		subs:    make(map[uint64]chan StateEvent),
		done:    make(chan struct{}),
	}
	s.sn.Store(time.Now().UnixMilli())
	s.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return nil, classifyDialError(addr, err)
	}
	s.conn = conn
	s.touch()

	s.state.Store(int32(StateDiscovering))
	s.wg.Add(1)
	go s.readLoop()

	if err := s.discover(ctx); err != nil {
		s.teardown(err)
		s.wg.Wait()
		return nil, err
	}

	// Inference is pure and total; it runs before the caller ever sees the
	// session, so Ready always implies a resolved model.
	s.model, s.entities = capability.Infer(
		s.identity.ProductID,
		s.identity.DeviceType,
		s.discoveredDPIDs(),
		capability.Options{GangCount: opts.GangCount},
	)
	s.state.Store(int32(StateReady))

	if opts.KeepaliveInterval > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop()
	}

	s.logger.Info("session ready",
		"device", s.identity.DeviceID,
		"pid", s.identity.ProductID,
		"dtp", s.identity.DeviceType,
		"entities", len(s.entities),
		"onoff_only", s.model.OnOffOnly())
	return s, nil
}

func classifyDialError(addr string, err error) error {
	var nerr net.Error
	switch {
	case errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: dial %s: %v", ErrConnectTimeout, addr, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: dial %s: %v", ErrConnectRefused, addr, err)
	default:
		return fmt.Errorf("%w: dial %s: %v", ErrConnectRefused, addr, err)
	}
}

// Addr returns the device address the session was opened against.
func (s *Session) Addr() string { return s.addr }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Identity returns the device identity fixed at discovery.
func (s *Session) Identity() Identity { return s.identity }

// Capabilities returns the resolved capability model. Immutable.
func (s *Session) Capabilities() *capability.Model { return s.model }

// Entities returns the entity descriptors in stable index order. Immutable.
func (s *Session) Entities() []capability.Entity { return s.entities }

// Done is closed when the session terminates, by Close or by fault.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session terminated: nil while live, ErrSessionClosed
// after Close, or the faulting error.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// RawState returns a snapshot of the latest known value per DPID, including
// DPIDs the capability model retained as unknown.
func (s *Session) RawState() map[int]int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make(map[int]int, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// Subscribe registers for state-change events, delivered in the order
// received on the wire. The channel is closed when the session terminates.
// A slow subscriber drops events rather than stalling the read loop.
func (s *Session) Subscribe() (<-chan StateEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan StateEvent, 16)
	select {
	case <-s.done:
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Close tears the session down: the socket is released, the read loop exits,
// and every in-flight waiter is drained with ErrSessionClosed.
func (s *Session) Close() error {
	s.teardown(ErrSessionClosed)
	s.wg.Wait()
	return nil
}

// --- discovery ---

func (s *Session) discover(ctx context.Context) error {
	if s.opts.SkipValidation {
		if s.opts.AssumedIdentity.DeviceID == "" {
			return fmt.Errorf("%w: skip-validation requires an assumed identity", ErrDiscoveryRejected)
		}
		s.identity = s.opts.AssumedIdentity
		s.setDPIDs(s.opts.AssumedDPIDs)
		s.logger.Warn("discovery skipped, using assumed identity", "device", s.identity.DeviceID)
		return nil
	}

	info, err := s.request(ctx, protocol.InfoRequest(s.nextSN()))
	if err != nil {
		return discoveryErr(err)
	}
	if !info.Msg.HasIdentity() {
		return fmt.Errorf("%w: info response missing did/pid/dtp", ErrDiscoveryRejected)
	}
	s.identity = Identity{
		DeviceID:   info.Msg.DID,
		ProductID:  info.Msg.PID,
		DeviceType: info.Msg.DTP,
	}

	// The query response's data seeds the state cache via dispatch.
	query, err := s.request(ctx, protocol.QueryRequest(s.nextSN()))
	if err != nil {
		return discoveryErr(err)
	}
	s.setDPIDs(query.Msg.Attr)
	return nil
}

func discoveryErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrRequestTimeout):
		return fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
	case errors.Is(err, ErrRejected):
		return fmt.Errorf("%w: %v", ErrDiscoveryRejected, err)
	default:
		return fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
	}
}

// discoveredDPIDs returns the DPID set recorded during discovery.
func (s *Session) discoveredDPIDs() []int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return append([]int(nil), s.dpids...)
}

func (s *Session) setDPIDs(ids []int) {
	s.stateMu.Lock()
	s.dpids = append([]int(nil), ids...)
	s.stateMu.Unlock()
}

// --- request/response ---

// Internal request failures, wrapped into the public taxonomy by callers.
var (
	ErrRequestTimeout = errors.New("request timeout")
	ErrRejected       = errors.New("device rejected request")
)

func (s *Session) nextSN() string {
	return strconv.FormatInt(s.sn.Add(1), 10)
}

// request writes one frame and waits for the response carrying the same
// sequence number. Concurrent requests are matched solely by sequence number,
// never by arrival order.
func (s *Session) request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	ch := s.addWaiter(f.SN)
	if err := s.send(f); err != nil {
		s.removeWaiter(f.SN)
		return nil, err
	}
	return s.await(ctx, f, ch)
}

func (s *Session) addWaiter(sn string) chan *protocol.Frame {
	ch := make(chan *protocol.Frame, 1)
	s.pendingMu.Lock()
	s.pending[sn] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Session) removeWaiter(sn string) {
	s.pendingMu.Lock()
	delete(s.pending, sn)
	s.pendingMu.Unlock()
}

// await blocks until the response for an already-sent frame arrives.
func (s *Session) await(ctx context.Context, f *protocol.Frame, ch chan *protocol.Frame) (*protocol.Frame, error) {
	defer s.removeWaiter(f.SN)

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Rejected() {
			return resp, fmt.Errorf("%w: cmd %d res %d", ErrRejected, f.Cmd, resp.ResCode())
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: cmd %d sn %s", ErrRequestTimeout, f.Cmd, f.SN)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.doneErr()
	}
}

// send encodes and writes one frame under the write lock, so concurrent
// commands never interleave partial frames on the socket.
func (s *Session) send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteError, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteError, err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteError, err)
	}
	s.logger.Debug("frame sent", "cmd", f.Cmd, "sn", f.SN)
	return nil
}

func (s *Session) doneErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// --- inbound ---

func (s *Session) readLoop() {
	defer s.wg.Done()

	var dec protocol.Decoder
	buf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		// Bounded read so teardown is observed within one interval.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.RequestTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			for _, f := range frames {
				s.dispatch(f)
			}
			if derr != nil {
				s.fault(derr)
				return
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			select {
			case <-s.done:
			default:
				s.fault(fmt.Errorf("peer disconnect: %w", err))
			}
			return
		}
	}
}

// dispatch routes one inbound frame. Anything carrying data refreshes the
// state cache and, when values actually changed, notifies subscribers —
// query responses, set acks echoing the written values, and unsolicited
// reports all count. Responses additionally wake their waiter, matched
// solely by sequence number.
func (s *Session) dispatch(f *protocol.Frame) {
	s.touch()

	if len(f.Msg.Data) > 0 {
		if changed := s.applyReport(f.Msg.Data); len(changed) > 0 {
			s.notify(StateEvent{Changed: changed})
		}
	}

	s.pendingMu.Lock()
	ch, waiting := s.pending[f.SN]
	if waiting {
		delete(s.pending, f.SN)
	}
	s.pendingMu.Unlock()

	if waiting {
		ch <- f
		return
	}
	if len(f.Msg.Data) == 0 {
		s.logger.Debug("orphaned frame discarded", "frame", f.String())
	}
}

// applyReport folds a DPID map into the cache and returns the entries whose
// value is new or different.
func (s *Session) applyReport(data map[int]int) map[int]int {
	changed := make(map[int]int)
	s.stateMu.Lock()
	for k, v := range data {
		if old, ok := s.latest[k]; !ok || old != v {
			changed[k] = v
		}
		s.latest[k] = v
	}
	s.stateMu.Unlock()
	return changed
}

func (s *Session) notify(evt StateEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Refresh queries the device's full state. Changed values reach the cache
// and subscribers through the normal inbound path; callers that only want
// the result can read RawState or CurrentState afterwards.
func (s *Session) Refresh(ctx context.Context) error {
	_, err := s.request(ctx, protocol.QueryRequest(s.nextSN()))
	return err
}

// --- keepalive ---

// keepaliveLoop probes the device with a state query after an idle window.
// A probe that goes unanswered faults the session; reconnecting is the
// caller's decision, never the session's.
func (s *Session) keepaliveLoop() {
	defer s.wg.Done()

	interval := s.opts.KeepaliveInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle < interval {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
			err := s.Refresh(ctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
					return
				default:
				}
				s.fault(fmt.Errorf("keepalive probe: %w", err))
				return
			}
		}
	}
}

// --- teardown ---

// fault moves the session to Faulted and releases everything. The session
// stays terminated until the caller closes and reopens it.
func (s *Session) fault(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateFaulted))
		s.finish(fmt.Errorf("%w: %v", ErrFaulted, cause))
		s.logger.Warn("session faulted", "err", cause)
	})
}

func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.finish(cause)
		s.state.Store(int32(StateDisconnected))
		s.logger.Info("session closed")
	})
}

// finish releases the socket, stops the loops, drains in-flight waiters and
// closes subscriber channels. Runs exactly once, on every exit path.
func (s *Session) finish(cause error) {
	s.errMu.Lock()
	s.finalErr = cause
	s.errMu.Unlock()

	close(s.done)
	if s.conn != nil {
		_ = s.conn.Close()
	}

	// In-flight waiters select on s.done and observe the final error there.
	s.pendingMu.Lock()
	s.pending = make(map[string]chan *protocol.Frame)
	s.pendingMu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
}
