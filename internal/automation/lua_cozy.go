//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/session"
)

const maxHandlersPerScript = 100

// registerCozyModule registers the `cozy` global table in a Lua state.
func registerCozyModule(L *lua.LState, s *script, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return cozyOn(L, s, e, L.CheckString(1), L.CheckFunction(2))
	}))

	mod.RawSetString("on_state_change", L.NewFunction(func(L *lua.LState) int {
		return cozyOn(L, s, e, hub.EventStateChange, L.CheckFunction(1))
	}))

	mod.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		return cozySet(L, e)
	}))

	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int {
		return cozyState(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return cozyDevices(L, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logFn(s.id, L.CheckString(1))
		return 0
	}))

	L.SetGlobal("cozy", mod)
}

// cozy.on(event_type, fn) / cozy.on_state_change(fn)
func cozyOn(L *lua.LState, s *script, e *Engine, eventType string, fn *lua.LFunction) int {
	e.mu.Lock()
	total := 0
	for _, hs := range s.handlers {
		total += len(hs)
	}
	if total >= maxHandlersPerScript {
		e.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	s.handlers[eventType] = append(s.handlers[eventType], fn)
	e.mu.Unlock()
	return 0
}

// cozy.set(device_id, entity_index, {power=, brightness=, color_temp=, hue=, saturation=})
func cozySet(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	entity := int(L.CheckNumber(2))
	tbl := L.CheckTable(3)

	var intent session.Intent
	if v := tbl.RawGetString("power"); v != lua.LNil {
		on := lua.LVAsBool(v)
		intent.Power = &on
	}
	if v, ok := tbl.RawGetString("brightness").(lua.LNumber); ok {
		b := int(v)
		intent.Brightness = &b
	}
	if v, ok := tbl.RawGetString("color_temp").(lua.LNumber); ok {
		ct := int(v)
		intent.ColorTemp = &ct
	}
	if v, ok := tbl.RawGetString("hue").(lua.LNumber); ok {
		h := int(v)
		intent.Hue = &h
	}
	if v, ok := tbl.RawGetString("saturation").(lua.LNumber); ok {
		sat := int(v)
		intent.Saturation = &sat
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.hub.Set(ctx, deviceID, entity, intent); err != nil {
		e.logger.Warn("cozy.set failed", "device", deviceID, "entity", entity, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// cozy.state(device_id, entity_index) -> table or nil
func cozyState(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	entity := int(L.CheckNumber(2))

	view, err := e.hub.GetDevice(deviceID)
	if err != nil || entity < 0 || entity >= len(view.States) {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(entityStateToLua(L, view.States[entity]))
	return 1
}

// cozy.devices() -> array of {device_id=, name=, online=}
func cozyDevices(L *lua.LState, e *Engine) int {
	views, err := e.hub.ListDevices()
	if err != nil {
		L.Push(L.NewTable())
		return 1
	}
	out := L.NewTable()
	for i, view := range views {
		t := L.NewTable()
		t.RawSetString("device_id", lua.LString(view.DeviceID))
		t.RawSetString("name", lua.LString(view.DisplayName()))
		t.RawSetString("online", lua.LBool(view.Online))
		out.RawSetInt(i+1, t)
	}
	L.Push(out)
	return 1
}

func entityStateToLua(L *lua.LState, st session.EntityState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("power", lua.LBool(st.Power))
	if st.Brightness != nil {
		t.RawSetString("brightness", lua.LNumber(*st.Brightness))
	}
	if st.ColorTemp != nil {
		t.RawSetString("color_temp", lua.LNumber(*st.ColorTemp))
	}
	if st.Hue != nil {
		t.RawSetString("hue", lua.LNumber(*st.Hue))
	}
	if st.Saturation != nil {
		t.RawSetString("saturation", lua.LNumber(*st.Saturation))
	}
	return t
}
