package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/protocol"
)

// Public value ranges. The wire uses 0-1000 for brightness, saturation and
// color temperature and 0-360 for hue; the session rescales so callers never
// see device-native ranges.
const (
	MaxPercent = 100
	MaxHue     = 360
	MinKelvin  = 2000
	MaxKelvin  = 6500
)

// Intent is a high-level control request for one entity. Nil fields are left
// untouched on the device.
type Intent struct {
	Power      *bool `json:"power,omitempty"`
	Brightness *int  `json:"brightness,omitempty"` // 0-100
	ColorTemp  *int  `json:"color_temp,omitempty"` // kelvin, 2000-6500
	Hue        *int  `json:"hue,omitempty"`        // 0-360
	Saturation *int  `json:"saturation,omitempty"` // 0-100
}

// EntityState is the high-level snapshot of one entity, derived from the
// latest known raw state. Nil fields mean the channel is unsupported or
// currently inactive (the device parks the idle color channel at 65535).
type EntityState struct {
	Power      bool `json:"power"`
	Brightness *int `json:"brightness,omitempty"`
	ColorTemp  *int `json:"color_temp,omitempty"`
	Hue        *int `json:"hue,omitempty"`
	Saturation *int `json:"saturation,omitempty"`
}

// Set translates an intent into data-point writes and sends them as one set
// command. Controls outside the entity's capability model fail with an
// IntentError (wrapping ErrUnsupportedIntent); transport failures surface as
// ErrWriteError. The acknowledgment is awaited so the state cache reflects
// the write before Set returns.
func (s *Session) Set(ctx context.Context, entity int, intent Intent) error {
	ent, err := s.entity(entity)
	if err != nil {
		return err
	}

	data := make(map[int]int)

	// Gang-addressed power is sent last, after the other channels had their
	// chance to reject the intent.
	gangPower := ent.GangBit >= 0 && intent.Power != nil

	if intent.Power != nil && !gangPower {
		if *intent.Power {
			data[protocol.DPIDPower] = protocol.WirePowerOn
		} else {
			data[protocol.DPIDPower] = 0
		}
	}

	if intent.Brightness != nil {
		if !s.model.HasBrightness || !ent.Dimmable {
			return &IntentError{Entity: entity, Control: "brightness", Model: s.model}
		}
		data[s.model.BrightnessDPID] = scale(clamp(*intent.Brightness, 0, MaxPercent), MaxPercent, protocol.WireScaleMax)
		setWorkMode(s.model, data, 0)
	}

	if intent.ColorTemp != nil {
		if !ent.ColorTemp {
			return &IntentError{Entity: entity, Control: "color_temp", Model: s.model}
		}
		k := clamp(*intent.ColorTemp, MinKelvin, MaxKelvin)
		data[protocol.DPIDTempBright] = scale(k-MinKelvin, MaxKelvin-MinKelvin, protocol.WireScaleMax)
		setWorkMode(s.model, data, 0)
	}

	if intent.Hue != nil || intent.Saturation != nil {
		if !ent.Color {
			return &IntentError{Entity: entity, Control: "color", Model: s.model}
		}
		if intent.Hue != nil {
			data[protocol.DPIDHue] = clamp(*intent.Hue, 0, MaxHue)
		}
		if intent.Saturation != nil {
			data[protocol.DPIDSaturation] = scale(clamp(*intent.Saturation, 0, MaxPercent), MaxPercent, protocol.WireScaleMax)
		}
		setWorkMode(s.model, data, 1)
	}

	if gangPower {
		return s.setGangPower(ctx, entity, ent.GangBit, *intent.Power)
	}

	if len(data) == 0 {
		return &IntentError{Entity: entity, Control: "empty intent", Model: s.model}
	}

	if _, err := s.request(ctx, protocol.SetRequest(s.nextSN(), data)); err != nil {
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrFaulted) {
			return err
		}
		return fmt.Errorf("%w: set entity %d: %v", ErrWriteError, entity, err)
	}
	return nil
}

// setGangPower flips one bit of the DPID-1 bitmask, read-modify-write from
// the latest known state, so sibling gangs are untouched. The mutex pins the
// compute-and-send sequence: the new mask is folded into the cache before the
// lock drops, so a concurrent sibling write reads it immediately instead of
// racing the ack echo, and frames reach the wire in mask order.
func (s *Session) setGangPower(ctx context.Context, entity, gangBit int, on bool) error {
	s.gangMu.Lock()
	s.stateMu.Lock()
	mask := gangMask(s.latest[protocol.DPIDPower], gangBit, on)
	s.latest[protocol.DPIDPower] = mask
	s.stateMu.Unlock()

	f := protocol.SetRequest(s.nextSN(), map[int]int{protocol.DPIDPower: mask})
	ch := s.addWaiter(f.SN)
	err := s.send(f)
	s.gangMu.Unlock()

	if err != nil {
		s.removeWaiter(f.SN)
	} else {
		_, err = s.await(ctx, f, ch)
	}
	if err != nil {
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrFaulted) {
			return err
		}
		return fmt.Errorf("%w: set entity %d: %v", ErrWriteError, entity, err)
	}
	return nil
}

func gangMask(mask, bit int, on bool) int {
	if on {
		return mask | 1<<bit
	}
	return mask &^ (1 << bit)
}

// setWorkMode records the work-mode write when the device has the channel:
// 0 for white/temperature writes, 1 for color writes. When one set carries
// both, color wins (the device is entering color mode).
func setWorkMode(m *capability.Model, data map[int]int, mode int) {
	if !m.Supports(capability.RoleWorkMode) {
		return
	}
	if prev, ok := data[protocol.DPIDWorkMode]; ok && prev == 1 {
		return
	}
	data[protocol.DPIDWorkMode] = mode
}

// CurrentState derives the high-level snapshot for one entity from the
// latest known raw state, without a device round trip. Unknown DPIDs never
// surface here; channels parked at the inactive sentinel are omitted.
func (s *Session) CurrentState(entity int) (EntityState, error) {
	ent, err := s.entity(entity)
	if err != nil {
		return EntityState{}, err
	}

	raw := s.RawState()
	var st EntityState

	power := raw[protocol.DPIDPower]
	if ent.GangBit >= 0 {
		st.Power = power&(1<<ent.GangBit) != 0
		return st, nil
	}
	st.Power = power > 0

	if s.model.HasBrightness {
		if v, ok := active(raw, s.model.BrightnessDPID); ok {
			b := scale(v, protocol.WireScaleMax, MaxPercent)
			st.Brightness = &b
		}
	}
	if s.model.HasColorTemp {
		if v, ok := active(raw, protocol.DPIDTempBright); ok {
			k := MinKelvin + scale(v, protocol.WireScaleMax, MaxKelvin-MinKelvin)
			st.ColorTemp = &k
		}
	}
	if s.model.HasColor {
		if h, ok := active(raw, protocol.DPIDHue); ok {
			hue := clamp(h, 0, MaxHue)
			st.Hue = &hue
		}
		if sv, ok := active(raw, protocol.DPIDSaturation); ok {
			sat := scale(sv, protocol.WireScaleMax, MaxPercent)
			st.Saturation = &sat
		}
	}
	return st, nil
}

func (s *Session) entity(idx int) (capability.Entity, error) {
	if idx < 0 || idx >= len(s.entities) {
		return capability.Entity{}, fmt.Errorf("%w: index %d of %d", ErrNoSuchEntity, idx, len(s.entities))
	}
	return s.entities[idx], nil
}

// active reads a raw channel value, filtering the >= 60000 sentinel the
// device reports for the color channel it is not currently driving.
func active(raw map[int]int, dpid int) (int, bool) {
	v, ok := raw[dpid]
	if !ok || v >= protocol.InactiveThreshold {
		return 0, false
	}
	return v, true
}

// scale converts v from [0,fromMax] to [0,toMax], rounding half up. The
// public contract stays device-agnostic; round-trips differ by at most one
// unit across the full range.
func scale(v, fromMax, toMax int) int {
	if v < 0 {
		return 0
	}
	if v > fromMax {
		v = fromMax
	}
	return (v*toMax + fromMax/2) / fromMax
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
