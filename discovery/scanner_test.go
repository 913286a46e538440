package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func testServiceEntry(deviceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"deviceId=" + deviceID,
			"protocolVersion=1",
			"fingerprint=fp-" + deviceID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, deviceID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Device.DeviceID == deviceID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestScannerFiltersSelfAndSupportsRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("phone", "Phone", 1716, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		devices := scanner.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "laptop"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListDevices()) == 2
	})
}

func TestScannerEmitsLostEventWhenDeviceDisappears(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: 40 * time.Millisecond,
		ScanTimeout:     25 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")
			}
			entries <- testServiceEntry("phone", "Phone", 1716, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if !waitForEvent(scanner.Events(), EventDeviceLost, "laptop", 2*time.Second) {
		t.Fatal("expected device_lost event for laptop")
	}
}

func TestScannerRefreshIgnoresDeadlineFromBrowse(t *testing.T) {
	cfg := Config{
		SelfDeviceID:    "self-device",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		devices := scanner.ListDevices()
		return len(devices) == 1 && devices[0].DeviceID == "laptop"
	})
}

func TestParseEntryBuildsDialCandidates(t *testing.T) {
	entry := testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")

	device, ok := parseEntry(entry, "self-device")
	if !ok {
		t.Fatal("expected entry to parse")
	}
	if device.Fingerprint != "fp-laptop" {
		t.Fatalf("fingerprint = %q", device.Fingerprint)
	}
	if device.ProtocolVersion != 1 {
		t.Fatalf("protocol version = %d", device.ProtocolVersion)
	}

	candidates := device.Candidates()
	if len(candidates) != 1 || candidates[0] != "10.0.0.2:1716" {
		t.Fatalf("candidates = %v", candidates)
	}
}

func TestCandidatesBracketIPv6Addresses(t *testing.T) {
	entry := testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	device, ok := parseEntry(entry, "self-device")
	if !ok {
		t.Fatal("expected entry to parse")
	}

	want := map[string]bool{"10.0.0.2:1716": true, "[fe80::1]:1716": true}
	candidates := device.Candidates()
	if len(candidates) != len(want) {
		t.Fatalf("candidates = %v", candidates)
	}
	for _, candidate := range candidates {
		if !want[candidate] {
			t.Fatalf("undialable candidate %q in %v", candidate, candidates)
		}
	}
}

func TestParseEntryRejectsMissingDeviceID(t *testing.T) {
	entry := testServiceEntry("laptop", "Laptop", 1716, "10.0.0.2")
	entry.Text = []string{"fingerprint=fp", "malformed-entry"}

	if _, ok := parseEntry(entry, "self-device"); ok {
		t.Fatal("expected entry without deviceId to be rejected")
	}
}
