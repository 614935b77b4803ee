// Package capability derives a semantic capability model from the raw
// discovery data a CozyLife device reports: product ID, device-type code and
// supported DPID set. Inference is pure, total and deterministic; ambiguous
// input degrades to the most conservative model rather than failing, since a
// light demoted to a dumb switch is operator-recoverable while an over-claimed
// capability is not.
package capability

import (
	"sort"

	"github.com/soulripper13/cozylife-local/internal/protocol"
)

// Device type codes reported in the dtp field.
const (
	TypeSwitch   = "00"
	TypeLight    = "01"
	TypeRGBLight = "02"
)

// DefaultGangCount is assumed for switch-family devices. The wire protocol
// does not universally report physical gang count; the two-gang rocker is the
// common case and callers can override per device.
const DefaultGangCount = 2

// Role is the resolved semantic meaning of one DPID on one device.
type Role int

const (
	RoleUnknown Role = iota
	RolePower
	RoleWorkMode
	RoleBrightness
	RoleColorTemp
	RoleHue
	RoleSaturation
)

var roleNames = map[Role]string{
	RoleUnknown:    "unknown",
	RolePower:      "power",
	RoleWorkMode:   "work_mode",
	RoleBrightness: "brightness",
	RoleColorTemp:  "color_temp",
	RoleHue:        "hue",
	RoleSaturation: "saturation",
}

func (r Role) String() string { return roleNames[r] }

// Model is the resolved capability set of one physical device. Every
// supported DPID maps to exactly one role; unrecognized DPIDs are retained as
// RoleUnknown and never block entity creation.
type Model struct {
	Roles map[int]Role `json:"roles"`

	HasPower      bool `json:"has_power"`
	HasBrightness bool `json:"has_brightness"`
	HasColorTemp  bool `json:"has_color_temp"`
	HasColor      bool `json:"has_color"` // hue + saturation both present

	// BrightnessDPID is the canonical brightness channel: DPID 4 when
	// present, otherwise DPID 3 on products from the brightness-on-3 set.
	BrightnessDPID int `json:"brightness_dpid,omitempty"`
}

// OnOffOnly reports whether no dimming or color channel resolved, i.e. the
// device is classified as a plain switch. Exposed explicitly so operators can
// diagnose missing capability detection.
func (m *Model) OnOffOnly() bool {
	return !m.HasBrightness && !m.HasColorTemp && !m.HasColor
}

// Supports reports whether any DPID resolved to the given role.
func (m *Model) Supports(role Role) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UnknownDPIDs returns the retained-but-unresolved DPIDs in ascending order.
func (m *Model) UnknownDPIDs() []int {
	var ids []int
	for id, r := range m.Roles {
		if r == RoleUnknown {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Kind classifies an entity for the calling platform.
type Kind string

const (
	KindSwitch Kind = "switch"
	KindLight  Kind = "light"
)

// Entity describes one logical controllable unit. A multi-gang switch yields
// several entities sharing one session; Index is stable for the session
// lifetime and GangBit addresses the unit's bit in the DPID-1 bitmask
// (-1 when the device is not gang-addressed).
type Entity struct {
	Index     int  `json:"index"`
	Kind      Kind `json:"kind"`
	GangBit   int  `json:"gang_bit"`
	Dimmable  bool `json:"dimmable"`
	ColorTemp bool `json:"color_temp"`
	Color     bool `json:"color"`
}

// Options tunes inference for device-specific configuration.
type Options struct {
	// GangCount overrides the assumed gang count for switch-family devices.
	// Zero means DefaultGangCount.
	GangCount int
}

// Infer resolves the capability model and entity list for a device. It never
// fails: unknown product IDs, device types and DPIDs all degrade to the most
// conservative result. Identical inputs always produce identical outputs.
func Infer(pid, deviceType string, dpids []int, opts Options) (*Model, []Entity) {
	m := &Model{Roles: make(map[int]Role, len(dpids))}

	supported := make(map[int]bool, len(dpids))
	for _, id := range dpids {
		supported[id] = true
		m.Roles[id] = RoleUnknown
	}

	if supported[protocol.DPIDPower] {
		m.Roles[protocol.DPIDPower] = RolePower
		m.HasPower = true
	}
	if supported[protocol.DPIDWorkMode] {
		m.Roles[protocol.DPIDWorkMode] = RoleWorkMode
	}

	// DPID 3 is brightness on a known set of product IDs and color
	// temperature on everything else, including unrecognized products.
	if supported[protocol.DPIDTempBright] {
		if BrightnessOnDPID3(pid) {
			m.Roles[protocol.DPIDTempBright] = RoleBrightness
			m.HasBrightness = true
			m.BrightnessDPID = protocol.DPIDTempBright
		} else {
			m.Roles[protocol.DPIDTempBright] = RoleColorTemp
			m.HasColorTemp = true
		}
	}

	// DPID 4 is the canonical brightness channel and wins over DPID 3.
	if supported[protocol.DPIDBrightness] {
		m.Roles[protocol.DPIDBrightness] = RoleBrightness
		m.HasBrightness = true
		m.BrightnessDPID = protocol.DPIDBrightness
	}

	// Hue alone cannot represent a color; both channels are required.
	if supported[protocol.DPIDHue] && supported[protocol.DPIDSaturation] {
		m.Roles[protocol.DPIDHue] = RoleHue
		m.Roles[protocol.DPIDSaturation] = RoleSaturation
		m.HasColor = true
	}

	return m, entities(m, deviceType, opts)
}

func entities(m *Model, deviceType string, opts Options) []Entity {
	if !m.HasPower {
		// Nothing controllable: no entities, but the model (with its
		// unknown DPIDs) is still returned for diagnostics.
		return nil
	}

	if deviceType == TypeSwitch {
		n := opts.GangCount
		if n <= 0 {
			n = DefaultGangCount
		}
		ents := make([]Entity, n)
		for i := range ents {
			ents[i] = Entity{Index: i, Kind: KindSwitch, GangBit: i}
		}
		return ents
	}

	return []Entity{{
		Index:     0,
		Kind:      KindLight,
		GangBit:   -1,
		Dimmable:  m.HasBrightness,
		ColorTemp: m.HasColorTemp,
		Color:     m.HasColor,
	}}
}
