//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the device hub to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	hub    *hub.Hub
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(h *hub.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		hub:    h,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("cozylife-local").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.hub.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event hub.Event) {
	switch event.Type {
	case hub.EventDeviceAdded, hub.EventDeviceOnline:
		if de, ok := event.Data.(hub.DeviceEvent); ok {
			b.handleDeviceUp(de.DeviceID)
		}
	case hub.EventDeviceOffline:
		if de, ok := event.Data.(hub.DeviceEvent); ok {
			b.publishAvailability(de.DeviceID, false)
		}
	case hub.EventDeviceRemoved:
		if de, ok := event.Data.(hub.DeviceEvent); ok {
			b.handleDeviceRemoved(de.DeviceID)
		}
	case hub.EventStateChange:
		if sc, ok := event.Data.(hub.StateChangeEvent); ok {
			b.publishDeviceState(sc.DeviceID, sc.Entities)
		}
	}
}

func (b *Bridge) handleDeviceUp(deviceID string) {
	view, err := b.hub.GetDevice(deviceID)
	if err != nil {
		return
	}
	b.publishDeviceDiscovery(view)
	b.subscribeDeviceCommands(view)
	b.publishAvailability(deviceID, true)
	if len(view.States) > 0 {
		b.publishDeviceState(deviceID, view.States)
	}
}

func (b *Bridge) handleDeviceRemoved(deviceID string) {
	// The store entry is already gone; remove by id only.
	node := nodeID(deviceID)
	for _, msg := range buildRemoveDiscovery(node) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAvailability(deviceID string, online bool) {
	view, err := b.hub.GetDevice(deviceID)
	if err != nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.prefix+"/"+deviceTopicName(view)+"/availability", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	views, err := b.hub.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, view := range views {
		b.publishDeviceDiscovery(view)
		if view.Online {
			b.publishAvailability(view.DeviceID, true)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(view hub.DeviceView) {
	msgs := buildDiscovery(view, b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	if len(msgs) > 0 {
		b.logger.Info("published HA discovery", "device", view.DeviceID, "name", view.DisplayName())
	}
}

// publishDeviceState publishes a consolidated JSON state document per device.
func (b *Bridge) publishDeviceState(deviceID string, states []session.EntityState) {
	view, err := b.hub.GetDevice(deviceID)
	if err != nil {
		return
	}

	doc := make(map[string]any)
	for i, ent := range view.Entities {
		if i >= len(states) {
			break
		}
		st := states[i]
		if ent.Kind == capability.KindSwitch {
			doc["state_l"+itoa(ent.Index+1)] = onOff(st.Power)
			continue
		}
		doc["state"] = onOff(st.Power)
		if st.Brightness != nil {
			doc["brightness"] = *st.Brightness
		}
		if st.ColorTemp != nil {
			doc["color_temp"] = kelvinToMireds(*st.ColorTemp)
		}
		if st.Hue != nil && st.Saturation != nil {
			doc["color"] = map[string]int{"h": *st.Hue, "s": *st.Saturation}
		}
	}
	doc["last_seen"] = time.Now().Format(time.RFC3339)

	b.publish(b.prefix+"/"+deviceTopicName(view), mustJSON(doc), true)
}

func (b *Bridge) subscribeCommands() {
	views, err := b.hub.ListDevices()
	if err != nil {
		b.logger.Error("list devices for command subscription", "err", err)
		return
	}
	for _, view := range views {
		b.subscribeDeviceCommands(view)
	}
}

func (b *Bridge) subscribeDeviceCommands(view hub.DeviceView) {
	deviceID := view.DeviceID
	topicName := deviceTopicName(view)

	for _, ent := range view.Entities {
		ent := ent
		if ent.Kind == capability.KindSwitch {
			topic := b.prefix + "/" + topicName + "/l" + itoa(ent.Index+1) + "/set"
			b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.handleSwitchCommand(deviceID, ent.Index, msg.Payload())
			})
			continue
		}
		topic := b.prefix + "/" + topicName + "/set"
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleLightCommand(deviceID, ent.Index, msg.Payload())
		})
	}
}

func (b *Bridge) handleSwitchCommand(deviceID string, entity int, payload []byte) {
	var on bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		on = true
	case "OFF":
		on = false
	default:
		b.logger.Warn("invalid switch command", "device", deviceID, "payload", string(payload))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.hub.Set(ctx, deviceID, entity, session.Intent{Power: &on}); err != nil {
		b.logger.Warn("switch command failed", "device", deviceID, "entity", entity, "err", err)
	}
}

// lightCommand is the HA JSON-schema light command payload.
type lightCommand struct {
	State      string `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
	ColorTemp  *int   `json:"color_temp,omitempty"` // mireds
	Color      *struct {
		H *float64 `json:"h,omitempty"`
		S *float64 `json:"s,omitempty"`
	} `json:"color,omitempty"`
}

func (b *Bridge) handleLightCommand(deviceID string, entity int, payload []byte) {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid light command JSON", "device", deviceID, "err", err)
		return
	}

	var intent session.Intent
	switch strings.ToUpper(cmd.State) {
	case "ON":
		on := true
		intent.Power = &on
	case "OFF":
		off := false
		intent.Power = &off
	}
	if cmd.Brightness != nil {
		v := clampInt(*cmd.Brightness, 0, session.MaxPercent)
		intent.Brightness = &v
	}
	if cmd.ColorTemp != nil {
		v := miredsToKelvin(*cmd.ColorTemp)
		intent.ColorTemp = &v
	}
	if cmd.Color != nil {
		if cmd.Color.H != nil {
			h := clampInt(int(*cmd.Color.H+0.5), 0, session.MaxHue)
			intent.Hue = &h
		}
		if cmd.Color.S != nil {
			s := clampInt(int(*cmd.Color.S+0.5), 0, session.MaxPercent)
			intent.Saturation = &s
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.hub.Set(ctx, deviceID, entity, intent); err != nil {
		b.logger.Warn("light command failed", "device", deviceID, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
