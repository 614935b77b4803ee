//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/session"
	"github.com/soulripper13/cozylife-local/internal/store"
)

func switchView(gangs int) hub.DeviceView {
	ents := make([]capability.Entity, gangs)
	for i := range ents {
		ents[i] = capability.Entity{Index: i, Kind: capability.KindSwitch, GangBit: i}
	}
	return hub.DeviceView{
		Device: &store.Device{
			DeviceID:     "abc123",
			ProductID:    "sw2g01",
			DeviceType:   capability.TypeSwitch,
			FriendlyName: "Hallway Switch",
		},
		Entities: ents,
	}
}

func lightView(dimmable, ct, color bool) hub.DeviceView {
	return hub.DeviceView{
		Device: &store.Device{
			DeviceID:   "lamp42",
			ProductID:  "d50v0i",
			DeviceType: capability.TypeRGBLight,
		},
		Entities: []capability.Entity{{
			Index: 0, Kind: capability.KindLight, GangBit: -1,
			Dimmable: dimmable, ColorTemp: ct, Color: color,
		}},
	}
}

func TestDiscoveryTwoGangSwitch(t *testing.T) {
	msgs := buildDiscovery(switchView(2), "cozylife")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if msgs[0].Topic != "homeassistant/switch/cozylife_abc123/l1/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Hallway Switch L1" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "cozylife_abc123_l1" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "cozylife/hallway_switch" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "cozylife/hallway_switch/l1/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.ValueTemplate != "{{ value_json.state_l1 }}" {
		t.Errorf("value_template = %q", payload.ValueTemplate)
	}
	if payload.AvailabilityTopic != "cozylife/hallway_switch/availability" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Name != "Hallway Switch" {
		t.Errorf("device.name = %q", payload.Device.Name)
	}
}

func TestDiscoveryColorLight(t *testing.T) {
	msgs := buildDiscovery(lightView(true, true, true), "cozylife")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "homeassistant/light/cozylife_lamp42/light/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}

	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Schema != "json" {
		t.Errorf("schema = %q", payload.Schema)
	}
	if payload.BrightnessScale != session.MaxPercent {
		t.Errorf("brightness_scale = %d", payload.BrightnessScale)
	}
	wantModes := map[string]bool{"hs": true, "color_temp": true}
	if len(payload.SupportedColorModes) != 2 {
		t.Fatalf("color modes = %v", payload.SupportedColorModes)
	}
	for _, m := range payload.SupportedColorModes {
		if !wantModes[m] {
			t.Errorf("unexpected color mode %q", m)
		}
	}
	if payload.MinMireds != 1000000/session.MaxKelvin {
		t.Errorf("min_mireds = %d", payload.MinMireds)
	}
	if payload.MaxMireds != 1000000/session.MinKelvin {
		t.Errorf("max_mireds = %d", payload.MaxMireds)
	}
	// No friendly name: topic falls back to the device id.
	if payload.CommandTopic != "cozylife/lamp42/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
}

func TestDiscoveryOnOffOnlyLight(t *testing.T) {
	msgs := buildDiscovery(lightView(false, false, false), "cozylife")
	if len(msgs) != 1 {
		t.Fatal("expected one message")
	}
	var payload haDiscovery
	if err := json.Unmarshal(msgs[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.SupportedColorModes) != 1 || payload.SupportedColorModes[0] != "onoff" {
		t.Errorf("color modes = %v", payload.SupportedColorModes)
	}
	if payload.BrightnessScale != 0 {
		t.Errorf("brightness_scale = %d, want omitted", payload.BrightnessScale)
	}
}

func TestRemoveDiscoveryClearsAllTopics(t *testing.T) {
	msgs := buildRemoveDiscovery(nodeID("abc123"))
	topics := make(map[string]bool)
	for _, m := range msgs {
		if len(m.Payload) != 0 {
			t.Errorf("removal payload for %s not empty", m.Topic)
		}
		topics[m.Topic] = true
	}
	if !topics["homeassistant/light/cozylife_abc123/light/config"] {
		t.Error("light config removal missing")
	}
	if !topics["homeassistant/switch/cozylife_abc123/l1/config"] {
		t.Error("switch l1 config removal missing")
	}
}

func TestTopicNameSanitized(t *testing.T) {
	view := switchView(1)
	view.FriendlyName = "Büro Lampe #2"
	got := deviceTopicName(view)
	for _, r := range got {
		safe := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
		if !safe {
			t.Fatalf("topic name %q contains unsafe rune %q", got, r)
		}
	}
}

func TestMiredsKelvinConversion(t *testing.T) {
	if got := kelvinToMireds(4000); got != 250 {
		t.Errorf("kelvinToMireds(4000) = %d", got)
	}
	if got := miredsToKelvin(250); got != 4000 {
		t.Errorf("miredsToKelvin(250) = %d", got)
	}
	if got := miredsToKelvin(1000); got != session.MinKelvin {
		t.Errorf("out-of-range mireds should clamp, got %d", got)
	}
	if got := miredsToKelvin(0); got != session.MaxKelvin {
		t.Errorf("zero mireds fallback = %d", got)
	}
}
