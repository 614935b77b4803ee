// Package protocol implements the CozyLife LAN wire protocol: newline-delimited
// JSON envelopes exchanged over TCP port 5555.
package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// DefaultPort is the fixed TCP port CozyLife devices listen on.
const DefaultPort = 5555

// Commands understood by the device.
const (
	CmdInfo  = 0 // device identity (did/pid/dtp)
	CmdQuery = 2 // supported DPIDs + current state
	CmdSet   = 3 // write data points
)

// Data point IDs. DPID 3 is dual-role: brightness on some product IDs,
// color temperature on the rest (resolved by the capability package).
const (
	DPIDPower      = 1 // bitmask on multi-gang switches
	DPIDWorkMode   = 2 // 0 = white/temp, 1 = color/scene
	DPIDTempBright = 3
	DPIDBrightness = 4
	DPIDHue        = 5
	DPIDSaturation = 6
)

// InactiveThreshold marks a reported channel value as "not currently active":
// a light in color mode reports 65535 for color temperature and vice versa.
// Values at or above this must be ignored, never rescaled.
const InactiveThreshold = 60000

// Wire value ranges.
const (
	WireScaleMax = 1000 // brightness, saturation, color temperature
	WireHueMax   = 360
	WirePowerOn  = 255 // single-channel power "on" value
)

// ErrMalformedFrame is returned when buffered bytes cannot represent a valid
// frame, or when the decode buffer exceeds its growth bound.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one protocol envelope. Requests carry PV/Cmd/SN/Msg; responses
// additionally carry Res (non-zero means the device rejected the request).
type Frame struct {
	PV  int     `json:"pv"`
	Cmd int     `json:"cmd"`
	SN  string  `json:"sn"`
	Res *int    `json:"res,omitempty"`
	Msg Message `json:"msg"`
}

// Message is the frame payload. The device populates different fields per
// command: info fills DID/PID/DTP, query fills Attr+Data, set echoes Data.
type Message struct {
	DID  string      `json:"did,omitempty"`
	PID  string      `json:"pid,omitempty"`
	DTP  string      `json:"dtp,omitempty"`
	Attr []int       `json:"attr,omitempty"`
	Data map[int]int `json:"-"`

	// RawData carries the wire form of Data; JSON object keys are strings.
	RawData map[string]int `json:"data,omitempty"`
}

// IsResponse reports whether the frame is a reply (has a result code).
func (f *Frame) IsResponse() bool { return f.Res != nil }

// Rejected reports whether the device answered with an explicit error code.
func (f *Frame) Rejected() bool { return f.Res != nil && *f.Res != 0 }

// ResCode returns the result code, or 0 when absent.
func (f *Frame) ResCode() int {
	if f.Res == nil {
		return 0
	}
	return *f.Res
}

// normalize converts RawData (string keys, wire form) into Data (int keys).
// Keys that are not small positive integers are dropped; the protocol layer
// does not interpret values beyond that.
func (m *Message) normalize() {
	if len(m.RawData) == 0 {
		return
	}
	m.Data = make(map[int]int, len(m.RawData))
	for k, v := range m.RawData {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 {
			continue
		}
		m.Data[id] = v
	}
}

// denormalize mirrors Data back into RawData before encoding.
func (m *Message) denormalize() {
	if len(m.Data) == 0 {
		return
	}
	m.RawData = make(map[string]int, len(m.Data))
	for k, v := range m.Data {
		m.RawData[strconv.Itoa(k)] = v
	}
}

// InfoRequest builds a device-identity request.
func InfoRequest(sn string) *Frame {
	return &Frame{Cmd: CmdInfo, SN: sn}
}

// QueryRequest builds a full state/attribute query. The device expects
// attr=[0] meaning "everything".
func QueryRequest(sn string) *Frame {
	return &Frame{Cmd: CmdQuery, SN: sn, Msg: Message{Attr: []int{0}}}
}

// SetRequest builds a data-point write for the given DPID/value pairs.
func SetRequest(sn string, data map[int]int) *Frame {
	attr := make([]int, 0, len(data))
	for id := range data {
		attr = append(attr, id)
	}
	sort.Ints(attr)
	return &Frame{Cmd: CmdSet, SN: sn, Msg: Message{Attr: attr, Data: data}}
}

// HasIdentity reports whether an info response carries all identity fields.
func (m *Message) HasIdentity() bool {
	return m.DID != "" && m.PID != "" && m.DTP != ""
}

func (f *Frame) String() string {
	return fmt.Sprintf("cmd=%d sn=%s res=%d", f.Cmd, f.SN, f.ResCode())
}
