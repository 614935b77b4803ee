//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/session"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/cozylife_abc123/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// nodeID returns the unique identifier for the HA device registry.
func nodeID(deviceID string) string {
	return "cozylife_" + deviceID
}

// deviceTopicName returns the topic name for a device (friendly name or id).
func deviceTopicName(view hub.DeviceView) string {
	if view.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(view.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return view.DeviceID
}

func kelvinToMireds(kelvin int) int {
	if kelvin <= 0 {
		return 0
	}
	return 1000000 / kelvin
}

func miredsToKelvin(mireds int) int {
	if mireds <= 0 {
		return session.MaxKelvin
	}
	k := 1000000 / mireds
	if k < session.MinKelvin {
		return session.MinKelvin
	}
	if k > session.MaxKelvin {
		return session.MaxKelvin
	}
	return k
}

func itoa(v int) string { return strconv.Itoa(v) }

// buildDiscovery generates HA discovery messages for a device from its
// capability model. A multi-gang switch yields one switch entity per gang,
// a light yields a single JSON-schema light entity.
func buildDiscovery(view hub.DeviceView, prefix string) []discoveryMsg {
	if len(view.Entities) == 0 {
		return nil
	}

	node := nodeID(view.DeviceID)
	displayName := view.DisplayName()
	topicName := deviceTopicName(view)
	stateTopic := prefix + "/" + topicName
	avail := prefix + "/" + topicName + "/availability"

	haDev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "CozyLife",
		Model:        view.ProductID,
		Name:         displayName,
	}

	var msgs []discoveryMsg
	for _, ent := range view.Entities {
		if ent.Kind == capability.KindSwitch {
			msgs = append(msgs, buildSwitch(node, displayName, stateTopic, avail, haDev, prefix, topicName, ent.Index))
			continue
		}
		msgs = append(msgs, buildLight(node, displayName, stateTopic, avail, haDev, prefix, topicName, ent))
	}
	return msgs
}

// buildRemoveDiscovery generates deletion messages (empty retained payload)
// for every config topic a device may have claimed.
func buildRemoveDiscovery(node string) []discoveryMsg {
	msgs := []discoveryMsg{
		{Topic: fmt.Sprintf("homeassistant/light/%s/light/config", node)},
	}
	// Gang counts are small; clear a generous range.
	for i := 1; i <= 4; i++ {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/switch/%s/l%d/config", node, i),
		})
	}
	return msgs
}

func buildSwitch(node, displayName, stateTopic, avail string, haDev haDevice, prefix, topicName string, index int) discoveryMsg {
	object := "l" + itoa(index+1)
	topic := fmt.Sprintf("homeassistant/switch/%s/%s/config", node, object)
	payload := haDiscovery{
		Name:              fmt.Sprintf("%s L%d", displayName, index+1),
		UniqueID:          node + "_" + object,
		StateTopic:        stateTopic,
		CommandTopic:      prefix + "/" + topicName + "/" + object + "/set",
		AvailabilityTopic: avail,
		ValueTemplate:     fmt.Sprintf("{{ value_json.state_%s }}", object),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(node, displayName, stateTopic, avail string, haDev haDevice, prefix, topicName string, ent capability.Entity) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", node)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          node + "_light",
		StateTopic:        stateTopic,
		CommandTopic:      prefix + "/" + topicName + "/set",
		AvailabilityTopic: avail,
		Schema:            "json",
		Device:            haDev,
	}

	var modes []string
	if ent.Color {
		modes = append(modes, "hs")
	}
	if ent.ColorTemp {
		modes = append(modes, "color_temp")
		payload.MinMireds = kelvinToMireds(session.MaxKelvin)
		payload.MaxMireds = kelvinToMireds(session.MinKelvin)
	}
	if len(modes) == 0 && ent.Dimmable {
		modes = append(modes, "brightness")
	}
	if len(modes) == 0 {
		modes = append(modes, "onoff")
	}
	payload.SupportedColorModes = modes
	if ent.Dimmable {
		payload.BrightnessScale = session.MaxPercent
	}

	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
