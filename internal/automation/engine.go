//go:build !no_automation

package automation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/soulripper13/cozylife-local/internal/hub"
)

// script is one loaded Lua file with its VM and registered handlers.
type script struct {
	id       string
	state    *lua.LState
	handlers map[string][]*lua.LFunction // event type -> callbacks
	disabled bool
}

// Engine loads Lua scripts from a directory and feeds them hub events.
// All Lua execution happens on a single goroutine; a script whose handler
// fails is disabled and never crashes the process.
type Engine struct {
	hub    *hub.Hub
	dir    string
	logger *slog.Logger

	commands chan func()
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	unsub    func()

	mu      sync.Mutex
	scripts map[string]*script

	// logFn receives cozy.log output; replaced in tests.
	logFn func(scriptID, msg string)
}

// NewEngine creates an automation engine rooted at dir.
func NewEngine(h *hub.Hub, dir string, logger *slog.Logger) *Engine {
	e := &Engine{
		hub:      h,
		dir:      dir,
		logger:   logger.With("component", "automation"),
		commands: make(chan func(), 256),
		done:     make(chan struct{}),
		scripts:  make(map[string]*script),
	}
	e.logFn = func(scriptID, msg string) {
		e.logger.Info("script log", "script", scriptID, "msg", msg)
	}
	return e
}

// Start loads all scripts and subscribes to the hub event bus.
func (e *Engine) Start() error {
	if err := e.loadScripts(); err != nil {
		return err
	}

	e.unsub = e.hub.Events().OnAll(e.dispatchEvent)

	e.wg.Add(1)
	go e.run()

	e.mu.Lock()
	n := len(e.scripts)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
	return nil
}

// Stop unsubscribes, drains the command loop and closes all VMs.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.unsub != nil {
			e.unsub()
		}
		close(e.done)
		e.wg.Wait()

		e.mu.Lock()
		for id, s := range e.scripts {
			s.state.Close()
			delete(e.scripts, id)
		}
		e.mu.Unlock()
		e.logger.Info("automation engine stopped")
	})
}

func (e *Engine) loadScripts() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.loadScript(id, filepath.Join(e.dir, entry.Name())); err != nil {
			e.logger.Error("load script", "script", id, "err", err)
		}
	}
	return nil
}

func (e *Engine) loadScript(id, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	L := lua.NewState()

	// Sandbox: remove filesystem and loader access.
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	s := &script{
		id:       id,
		state:    L,
		handlers: make(map[string][]*lua.LFunction),
	}
	registerCozyModule(L, s, e)

	// Top-level code runs once and registers handlers.
	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return fmt.Errorf("execute script %s: %w", id, err)
	}

	e.mu.Lock()
	e.scripts[id] = s
	e.mu.Unlock()
	return nil
}

// run is the single Lua execution goroutine.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.commands:
			fn()
		}
	}
}

func (e *Engine) dispatchEvent(event hub.Event) {
	e.mu.Lock()
	var pending []func()
	for _, s := range e.scripts {
		if s.disabled {
			continue
		}
		s := s
		for _, fn := range s.handlers[event.Type] {
			fn := fn
			pending = append(pending, func() { e.callHandler(s, fn, event) })
		}
	}
	e.mu.Unlock()

	for _, call := range pending {
		select {
		case <-e.done:
			return
		case e.commands <- call:
		default:
			e.logger.Warn("automation command queue full, dropping event", "type", event.Type)
		}
	}
}

func (e *Engine) callHandler(s *script, fn *lua.LFunction, event hub.Event) {
	e.mu.Lock()
	disabled := s.disabled
	e.mu.Unlock()
	if disabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.disableScript(s, fmt.Errorf("panic: %v", r))
		}
	}()

	L := s.state
	err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventToLua(L, event))
	if err != nil {
		e.disableScript(s, err)
	}
}

func (e *Engine) disableScript(s *script, err error) {
	e.mu.Lock()
	s.disabled = true
	e.mu.Unlock()
	e.logger.Error("script failed, disabling", "script", s.id, "err", err)
}

// eventToLua builds the Lua event table handed to handlers.
func eventToLua(L *lua.LState, event hub.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))

	switch data := event.Data.(type) {
	case hub.StateChangeEvent:
		t.RawSetString("device_id", lua.LString(data.DeviceID))
		changed := L.NewTable()
		for dpid, v := range data.Changed {
			changed.RawSetInt(dpid, lua.LNumber(v))
		}
		t.RawSetString("changed", changed)
		states := L.NewTable()
		for i, st := range data.Entities {
			states.RawSetInt(i+1, entityStateToLua(L, st))
		}
		t.RawSetString("states", states)
	case hub.DeviceEvent:
		t.RawSetString("device_id", lua.LString(data.DeviceID))
		t.RawSetString("ip", lua.LString(data.IP))
		t.RawSetString("name", lua.LString(data.Name))
		if data.Reason != "" {
			t.RawSetString("reason", lua.LString(data.Reason))
		}
	}
	return t
}
