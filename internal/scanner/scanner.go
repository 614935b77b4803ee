// Package scanner probes an IPv4 range for CozyLife devices. It is a setup
// aid only: each candidate address gets a short-timeout discovery session and
// responders are reported with their identity. The hub decides what to do
// with the results.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/soulripper13/cozylife-local/internal/capability"
	"github.com/soulripper13/cozylife-local/internal/session"
)

// MaxScanAddrs caps a scan to one /24 worth of addresses.
const MaxScanAddrs = 256

// DefaultConcurrency bounds simultaneous probes.
const DefaultConcurrency = 10

// Result is one responding device.
type Result struct {
	IP       string              `json:"ip"`
	Identity session.Identity    `json:"identity"`
	Model    *capability.Model   `json:"model"`
	Entities []capability.Entity `json:"entities"`
}

// Scanner probes address ranges.
type Scanner struct {
	Timeout     time.Duration // per-address probe timeout, default 2s
	Concurrency int           // default DefaultConcurrency
	Logger      *slog.Logger
}

// ParseRange expands "192.168.1.10-192.168.1.50" (or a single address) into
// at most MaxScanAddrs IPv4 addresses. Reversed bounds are swapped.
func ParseRange(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty ip range")
	}

	startStr, endStr, ranged := strings.Cut(spec, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(startStr))
	if err != nil || !start.Is4() {
		return nil, fmt.Errorf("invalid ip %q", startStr)
	}
	if !ranged {
		return []string{start.String()}, nil
	}

	end, err := netip.ParseAddr(strings.TrimSpace(endStr))
	if err != nil || !end.Is4() {
		return nil, fmt.Errorf("invalid ip %q", endStr)
	}
	if end.Less(start) {
		start, end = end, start
	}

	var ips []string
	for a := start; !end.Less(a) && len(ips) < MaxScanAddrs; a = a.Next() {
		ips = append(ips, a.String())
	}
	return ips, nil
}

// Scan probes every address in the range and returns the devices that
// completed discovery. Non-responders are skipped silently; the scan only
// fails on an unparseable range or cancelled context.
func (s *Scanner) Scan(ctx context.Context, ipRange string) ([]Result, error) {
	ips, err := ParseRange(ipRange)
	if err != nil {
		return nil, err
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	conc := int64(s.Concurrency)
	if conc <= 0 {
		conc = DefaultConcurrency
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sem := semaphore.NewWeighted(conc)
	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)

	for _, ip := range ips {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer sem.Release(1)

			res, ok := probe(ctx, ip, timeout, logger)
			if !ok {
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(ip)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	logger.Info("scan complete", "range", ipRange, "probed", len(ips), "found", len(results))
	return results, nil
}

func probe(ctx context.Context, ip string, timeout time.Duration, logger *slog.Logger) (Result, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	sess, err := session.Open(probeCtx, ip, session.Options{
		ConnectTimeout:    timeout,
		RequestTimeout:    timeout,
		KeepaliveInterval: -1, // probe sessions never idle long enough
		Logger:            logger,
	})
	if err != nil {
		logger.Debug("no device", "ip", ip, "err", err)
		return Result{}, false
	}
	defer sess.Close()

	return Result{
		IP:       ip,
		Identity: sess.Identity(),
		Model:    sess.Capabilities(),
		Entities: sess.Entities(),
	}, true
}
