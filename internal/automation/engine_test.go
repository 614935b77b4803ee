//go:build !no_automation

package automation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soulripper13/cozylife-local/internal/hub"
	"github.com/soulripper13/cozylife-local/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type logCapture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *logCapture) log(_, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *logCapture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *logCapture) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range c.snapshot() {
			if m == want {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log %q not seen, got %v", want, c.snapshot())
}

func newTestEngine(t *testing.T, scripts map[string]string) (*Engine, *hub.Hub, *logCapture) {
	t.Helper()
	dir := t.TempDir()
	for name, code := range scripts {
		if err := os.WriteFile(filepath.Join(dir, name+".lua"), []byte(code), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "auto.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	h := hub.New(st, hub.NewEventBus(testLogger()), hub.Config{}, testLogger())
	t.Cleanup(h.Stop)

	e := NewEngine(h, dir, testLogger())
	capture := &logCapture{}
	e.logFn = capture.log
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e, h, capture
}

func TestScriptReceivesStateChange(t *testing.T) {
	_, h, capture := newTestEngine(t, map[string]string{
		"notify": `
cozy.on_state_change(function(e)
	cozy.log("changed " .. e.device_id .. " power " .. tostring(e.changed[1]))
end)
`,
	})

	h.Events().Emit(hub.Event{Type: hub.EventStateChange, Data: hub.StateChangeEvent{
		DeviceID: "dev1",
		Changed:  map[int]int{1: 255},
	}})

	capture.waitFor(t, "changed dev1 power 255")
}

func TestScriptReceivesDeviceEvents(t *testing.T) {
	_, h, capture := newTestEngine(t, map[string]string{
		"presence": `
cozy.on("device_offline", function(e)
	cozy.log(e.device_id .. " went away: " .. e.reason)
end)
`,
	})

	h.Events().Emit(hub.Event{Type: hub.EventDeviceOffline, Data: hub.DeviceEvent{
		DeviceID: "dev1", Reason: "connection lost",
	}})

	capture.waitFor(t, "dev1 went away: connection lost")
}

func TestFailingHandlerDisablesScript(t *testing.T) {
	e, h, capture := newTestEngine(t, map[string]string{
		"flaky": `
cozy.on_state_change(function(e)
	cozy.log("invoked")
	error("boom")
end)
`,
	})

	event := hub.Event{Type: hub.EventStateChange, Data: hub.StateChangeEvent{DeviceID: "d"}}
	h.Events().Emit(event)
	capture.waitFor(t, "invoked")

	// The script must be disabled after the first failure.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		disabled := e.scripts["flaky"].disabled
		e.mu.Unlock()
		if disabled {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Events().Emit(event)
	time.Sleep(100 * time.Millisecond)
	if got := len(capture.snapshot()); got != 1 {
		t.Fatalf("handler ran %d times, want 1", got)
	}
}

func TestBrokenScriptSkippedAtLoad(t *testing.T) {
	e, _, _ := newTestEngine(t, map[string]string{
		"broken": `this is not lua (`,
		"good":   `cozy.log("loaded")`,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scripts["broken"]; ok {
		t.Error("broken script should not be loaded")
	}
	if _, ok := e.scripts["good"]; !ok {
		t.Error("good script should be loaded")
	}
}

func TestCozySetUnknownDevice(t *testing.T) {
	_, h, capture := newTestEngine(t, map[string]string{
		"setter": `
cozy.on_state_change(function(e)
	local ok = cozy.set("ghost", 0, {power = true})
	cozy.log("set ok " .. tostring(ok))
end)
`,
	})

	h.Events().Emit(hub.Event{Type: hub.EventStateChange, Data: hub.StateChangeEvent{DeviceID: "x"}})
	capture.waitFor(t, "set ok false")
}

func TestCozyStateUnknownDeviceIsNil(t *testing.T) {
	_, _, capture := newTestEngine(t, map[string]string{
		// Runs at load time.
		"query": `cozy.log("state " .. tostring(cozy.state("ghost", 0)))`,
	})
	capture.waitFor(t, "state nil")
}

func TestSandboxRemovesDangerousGlobals(t *testing.T) {
	_, _, capture := newTestEngine(t, map[string]string{
		"probe": `cozy.log("os " .. tostring(os) .. " io " .. tostring(io))`,
	})
	capture.waitFor(t, "os nil io nil")
}

func TestMissingScriptsDirIsNotAnError(t *testing.T) {
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "auto.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	h := hub.New(st, hub.NewEventBus(testLogger()), hub.Config{}, testLogger())
	defer h.Stop()

	e := NewEngine(h, filepath.Join(t.TempDir(), "nope"), testLogger())
	if err := e.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	e.Stop()
}
