// Package hub manages the set of configured devices: one session per device,
// reconnection with backoff when a session faults, periodic state polls, and
// persistence of what discovery reports. Retry policy lives here on purpose —
// the session core surfaces faults and never retries on its own.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/session"
	"github.com/soulripper13/cozylife-local/internal/store"
)

// ErrUnknownDevice is returned for operations on a device the hub does not manage.
var ErrUnknownDevice = errors.New("unknown device")

// ErrDeviceOffline is returned when a command targets a device without a live session.
var ErrDeviceOffline = errors.New("device offline")

// Config holds hub configuration.
type Config struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration
	PollInterval      time.Duration // default 30s
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	DefaultGangCount  int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 3 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 3 * time.Second
	}
	if out.PollInterval == 0 {
		out.PollInterval = 30 * time.Second
	}
	if out.ReconnectMin == 0 {
		out.ReconnectMin = 5 * time.Second
	}
	if out.ReconnectMax == 0 {
		out.ReconnectMax = 5 * time.Minute
	}
	return out
}

type managedDevice struct {
	deviceID string
	cancel   context.CancelFunc

	mu   sync.RWMutex
	sess *session.Session // nil while offline
}

func (md *managedDevice) session() *session.Session {
	md.mu.RLock()
	defer md.mu.RUnlock()
	return md.sess
}

func (md *managedDevice) setSession(s *session.Session) {
	md.mu.Lock()
	md.sess = s
	md.mu.Unlock()
}

// Hub owns all managed devices.
type Hub struct {
	store  store.Store
	events *EventBus
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*managedDevice

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub over the given store.
func New(st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:   st,
		events:  events,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "hub"),
		devices: make(map[string]*managedDevice),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events returns the hub's event bus.
func (h *Hub) Events() *EventBus { return h.events }

// Start brings up sessions for every persisted device.
func (h *Hub) Start() error {
	devices, err := h.store.ListDevices()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, dev := range devices {
		h.manage(dev.DeviceID)
	}
	h.logger.Info("hub started", "devices", len(devices))
	return nil
}

// Stop closes all sessions and waits for the device loops to exit.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
	h.logger.Info("hub stopped")
}

// AddDevice validates a device at the given IP by opening a discovery
// session, persists it, and begins managing it. With skipValidation the
// caller-supplied identity is trusted instead and no probe session is opened
// until the manage loop runs.
func (h *Hub) AddDevice(ctx context.Context, ip string, opts AddOptions) (*store.Device, error) {
	dev := &store.Device{
		IP:             ip,
		FriendlyName:   opts.FriendlyName,
		GangCount:      opts.GangCount,
		SkipValidation: opts.SkipValidation,
		AddedAt:        time.Now(),
	}

	if opts.SkipValidation {
		if opts.AssumedIdentity.DeviceID == "" {
			return nil, fmt.Errorf("skip-validation requires a device id")
		}
		dev.DeviceID = opts.AssumedIdentity.DeviceID
		dev.ProductID = opts.AssumedIdentity.ProductID
		dev.DeviceType = opts.AssumedIdentity.DeviceType
		dev.DPIDs = opts.AssumedDPIDs
	} else {
		s, err := session.Open(ctx, ip, h.sessionOptions(dev))
		if err != nil {
			return nil, err
		}
		id := s.Identity()
		dev.DeviceID = id.DeviceID
		dev.ProductID = id.ProductID
		dev.DeviceType = id.DeviceType
		dev.DPIDs = rawDPIDs(s.Capabilities())
		dev.LastSeen = time.Now()
		s.Close()
	}

	if err := h.store.SaveDevice(dev); err != nil {
		return nil, fmt.Errorf("persist device: %w", err)
	}
	h.manage(dev.DeviceID)
	h.events.Emit(Event{Type: EventDeviceAdded, Data: DeviceEvent{
		DeviceID: dev.DeviceID, IP: dev.IP, Name: dev.DisplayName(),
	}})
	return dev, nil
}

// AddOptions configures AddDevice.
type AddOptions struct {
	FriendlyName    string
	GangCount       int
	SkipValidation  bool
	AssumedIdentity session.Identity
	AssumedDPIDs    []int
}

// RemoveDevice stops managing a device and deletes it from the store.
func (h *Hub) RemoveDevice(deviceID string) error {
	h.mu.Lock()
	md, ok := h.devices[deviceID]
	if ok {
		delete(h.devices, deviceID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	md.cancel()
	if err := h.store.DeleteDevice(deviceID); err != nil {
		return err
	}
	h.events.Emit(Event{Type: EventDeviceRemoved, Data: DeviceEvent{DeviceID: deviceID}})
	return nil
}

// RenameDevice updates a device's friendly name.
func (h *Hub) RenameDevice(deviceID, name string) error {
	err := h.store.UpdateDevice(deviceID, func(dev *store.Device) error {
		dev.FriendlyName = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return err
}

// Session returns the live session for a device, or nil while it is offline.
func (h *Hub) Session(deviceID string) *session.Session {
	h.mu.RLock()
	md, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return md.session()
}

// Set forwards an intent to a device's entity.
func (h *Hub) Set(ctx context.Context, deviceID string, entity int, intent session.Intent) error {
	h.mu.RLock()
	md, ok := h.devices[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	s := md.session()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}
	return s.Set(ctx, entity, intent)
}

// DeviceView is one device with its live status, for API consumers.
type DeviceView struct {
	*store.Device
	Online   bool                  `json:"online"`
	Model    *capability.Model     `json:"model,omitempty"`
	Entities []capability.Entity   `json:"entities,omitempty"`
	States   []session.EntityState `json:"states,omitempty"`
}

// ListDevices returns all managed devices with live state where available.
func (h *Hub) ListDevices() ([]DeviceView, error) {
	devices, err := h.store.ListDevices()
	if err != nil {
		return nil, err
	}
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, h.view(dev))
	}
	return views, nil
}

// GetDevice returns one device view.
func (h *Hub) GetDevice(deviceID string) (DeviceView, error) {
	dev, err := h.store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeviceView{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return DeviceView{}, err
	}
	return h.view(dev), nil
}

func (h *Hub) view(dev *store.Device) DeviceView {
	v := DeviceView{Device: dev}
	if s := h.Session(dev.DeviceID); s != nil && s.State() == session.StateReady {
		v.Online = true
		v.Model = s.Capabilities()
		v.Entities = s.Entities()
		v.States = entityStates(s)
	}
	return v
}

func entityStates(s *session.Session) []session.EntityState {
	states := make([]session.EntityState, len(s.Entities()))
	for i := range states {
		st, err := s.CurrentState(i)
		if err == nil {
			states[i] = st
		}
	}
	return states
}

// --- device management loop ---

// manage starts (or restarts) the session loop for a device.
func (h *Hub) manage(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[deviceID]; exists {
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	md := &managedDevice{deviceID: deviceID, cancel: cancel}
	h.devices[deviceID] = md

	h.wg.Add(1)
	go h.runDevice(ctx, md)
}

// runDevice keeps one device connected: open, pump events, poll, and on
// fault or disconnect reopen with exponential backoff.
func (h *Hub) runDevice(ctx context.Context, md *managedDevice) {
	defer h.wg.Done()
	logger := h.logger.With("device", md.deviceID)
	backoff := h.cfg.ReconnectMin

	for {
		dev, err := h.store.GetDevice(md.deviceID)
		if err != nil {
			// Gone from the store means removed; anything else is transient.
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			logger.Error("load device", "err", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, h.cfg.ReconnectMax)
			continue
		}

		s, err := session.Open(ctx, dev.IP, h.sessionOptions(dev))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("connect failed", "ip", dev.IP, "err", err, "retry_in", backoff)
			h.events.Emit(Event{Type: EventDeviceOffline, Data: DeviceEvent{
				DeviceID: md.deviceID, IP: dev.IP, Name: dev.DisplayName(), Reason: err.Error(),
			}})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, h.cfg.ReconnectMax)
			continue
		}
		backoff = h.cfg.ReconnectMin

		h.reconcile(dev, s, logger)
		md.setSession(s)
		h.events.Emit(Event{Type: EventDeviceOnline, Data: DeviceEvent{
			DeviceID: md.deviceID, IP: dev.IP, Name: dev.DisplayName(),
			Identity: s.Identity(), Model: s.Capabilities(), Entities: s.Entities(),
		}})

		h.pump(ctx, md, s, logger)
		md.setSession(nil)

		reason := "closed"
		if err := s.Err(); err != nil {
			reason = err.Error()
		}
		h.events.Emit(Event{Type: EventDeviceOffline, Data: DeviceEvent{
			DeviceID: md.deviceID, IP: dev.IP, Name: dev.DisplayName(), Reason: reason,
		}})

		if ctx.Err() != nil {
			return
		}
	}
}

// pump forwards session state events onto the bus and drives the poll timer
// until the session terminates or the device is being shut down.
func (h *Hub) pump(ctx context.Context, md *managedDevice, s *session.Session, logger *slog.Logger) {
	events, unsub := s.Subscribe()
	defer unsub()

	var poll *time.Ticker
	var pollC <-chan time.Time
	if h.cfg.PollInterval > 0 {
		poll = time.NewTicker(h.cfg.PollInterval)
		pollC = poll.C
		defer poll.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			h.events.Emit(Event{Type: EventStateChange, Data: StateChangeEvent{
				DeviceID: md.deviceID,
				Changed:  evt.Changed,
				Entities: entityStates(s),
			}})
		case <-pollC:
			reqCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout+time.Second)
			if err := s.Refresh(reqCtx); err != nil && ctx.Err() == nil {
				// The keepalive decides whether this is fatal.
				logger.Debug("poll failed", "err", err)
			}
			cancel()
		}
	}
}

// reconcile persists what discovery just reported. A device whose identity no
// longer matches the stored record is re-recorded as-is: the session was
// rebuilt from scratch, so the fresh capability model already governs.
func (h *Hub) reconcile(dev *store.Device, s *session.Session, logger *slog.Logger) {
	id := s.Identity()
	if dev.DeviceID != "" && id.DeviceID != dev.DeviceID {
		logger.Warn("device identity changed at address",
			"ip", dev.IP, "was", dev.DeviceID, "now", id.DeviceID)
	}
	err := h.store.UpdateDevice(dev.DeviceID, func(d *store.Device) error {
		d.ProductID = id.ProductID
		d.DeviceType = id.DeviceType
		d.DPIDs = rawDPIDs(s.Capabilities())
		d.LastSeen = time.Now()
		return nil
	})
	if err != nil {
		logger.Error("persist discovery result", "err", err)
	}
}

func (h *Hub) sessionOptions(dev *store.Device) session.Options {
	gang := dev.GangCount
	if gang == 0 {
		gang = h.cfg.DefaultGangCount
	}
	opts := session.Options{
		ConnectTimeout:    h.cfg.ConnectTimeout,
		RequestTimeout:    h.cfg.RequestTimeout,
		KeepaliveInterval: h.cfg.KeepaliveInterval,
		GangCount:         gang,
		Logger:            h.logger,
	}
	if dev.SkipValidation {
		opts.SkipValidation = true
		opts.AssumedIdentity = session.Identity{
			DeviceID:   dev.DeviceID,
			ProductID:  dev.ProductID,
			DeviceType: dev.DeviceType,
		}
		opts.AssumedDPIDs = dev.DPIDs
	}
	return opts
}

// rawDPIDs recovers the supported-DPID list from a model for persistence.
func rawDPIDs(m *capability.Model) []int {
	ids := make([]int, 0, len(m.Roles))
	for id := range m.Roles {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
