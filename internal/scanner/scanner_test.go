package scanner

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestParseRangeSingle(t *testing.T) {
	ips, err := ParseRange("192.168.1.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ips) != 1 || ips[0] != "192.168.1.5" {
		t.Errorf("ips = %v", ips)
	}
}

func TestParseRangeSpan(t *testing.T) {
	ips, err := ParseRange("192.168.1.10 - 192.168.1.13")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []string{"192.168.1.10", "192.168.1.11", "192.168.1.12", "192.168.1.13"}
	if len(ips) != len(want) {
		t.Fatalf("ips = %v, want %v", ips, want)
	}
	for i := range want {
		if ips[i] != want[i] {
			t.Errorf("ips[%d] = %s, want %s", i, ips[i], want[i])
		}
	}
}

func TestParseRangeReversedBounds(t *testing.T) {
	ips, err := ParseRange("10.0.0.3-10.0.0.1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ips) != 3 || ips[0] != "10.0.0.1" {
		t.Errorf("ips = %v, want swapped ascending", ips)
	}
}

func TestParseRangeCapped(t *testing.T) {
	ips, err := ParseRange("10.0.0.1-10.0.3.255")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ips) != MaxScanAddrs {
		t.Errorf("len = %d, want cap %d", len(ips), MaxScanAddrs)
	}
}

func TestParseRangeInvalid(t *testing.T) {
	for _, spec := range []string{"", "nonsense", "300.1.1.1", "10.0.0.1-banana", "::1"} {
		if _, err := ParseRange(spec); err == nil {
			t.Errorf("ParseRange(%q) accepted", spec)
		}
	}
}

func TestScanNoResponders(t *testing.T) {
	// Reserve an address with nothing listening behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, _, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	s := &Scanner{
		Timeout: 200 * time.Millisecond,
		Logger:  slog.New(slog.NewTextHandler(discard{}, nil)),
	}
	results, err := s.Scan(context.Background(), host)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
