package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		DeviceID:   "abc123",
		IP:         "192.168.1.50",
		ProductID:  "d50v0i",
		DeviceType: "01",
		DPIDs:      []int{1, 3, 4},
		AddedAt:    time.Now(),
	}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetDevice("abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IP != "192.168.1.50" || got.ProductID != "d50v0i" {
		t.Errorf("got %+v", got)
	}
	if len(got.DPIDs) != 3 {
		t.Errorf("dpids = %v", got.DPIDs)
	}
}

func TestGetMissingDevice(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)
	s.SaveDevice(&Device{DeviceID: "x", IP: "10.0.0.1"})

	err := s.UpdateDevice("x", func(d *Device) error {
		d.FriendlyName = "kitchen"
		d.GangCount = 3
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.GetDevice("x")
	if got.FriendlyName != "kitchen" || got.GangCount != 3 {
		t.Errorf("got %+v", got)
	}

	if err := s.UpdateDevice("missing", func(*Device) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v, want ErrNotFound", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := newTestStore(t)
	s.SaveDevice(&Device{DeviceID: "a", IP: "10.0.0.1"})
	s.SaveDevice(&Device{DeviceID: "b", IP: "10.0.0.2"})

	devices, err := s.ListDevices()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d, want 2", len(devices))
	}

	if err := s.DeleteDevice("a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	devices, _ = s.ListDevices()
	if len(devices) != 1 || devices[0].DeviceID != "b" {
		t.Errorf("after delete: %+v", devices)
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		dev  Device
		want string
	}{
		{Device{DeviceID: "id1", FriendlyName: "hall"}, "hall"},
		{Device{DeviceID: "id1", ProductID: "d50v0i"}, "CozyLife d50v0i"},
		{Device{DeviceID: "id1"}, "id1"},
	}
	for _, c := range cases {
		if got := c.dev.DisplayName(); got != c.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", c.dev, got, c.want)
		}
	}
}
