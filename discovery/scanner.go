package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventDeviceFound is emitted when a device appears or its record changes.
	EventDeviceFound EventType = "device_found"
	// EventDeviceLost is emitted when a previously seen device disappears.
	EventDeviceLost EventType = "device_lost"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// DiscoveredDevice is one LAN endpoint advertising the airlink service.
type DiscoveredDevice struct {
	DeviceID        string
	DeviceName      string
	Fingerprint     string
	ProtocolVersion int
	HostName        string
	Port            int
	Addresses       []string
	LastSeen        time.Time
}

// Candidates renders the device's addresses as host:port dial candidates,
// in the order they were advertised.
func (d DiscoveredDevice) Candidates() []string {
	out := make([]string, 0, len(d.Addresses))
	for _, addr := range d.Addresses {
		out = append(out, net.JoinHostPort(addr, strconv.Itoa(d.Port)))
	}
	return out
}

// Scanner browses for airlink devices periodically and on demand, keeping an
// in-memory snapshot and emitting found/lost events as it changes.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu      sync.RWMutex
	devices map[string]DiscoveredDevice

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:     cfg,
		browse:  browse,
		devices: make(map[string]DiscoveredDevice),
		events:  make(chan Event, 128),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends background scanning and closes the event stream.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Slow consumers lose
// events rather than blocking the scanner.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs one scan immediately, bounded by the caller's context.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}
	return s.scan(ctx)
}

// ListDevices returns the current snapshot sorted by device name.
func (s *Scanner) ListDevices() []DiscoveredDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(s.devices))
	for _, device := range s.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the snapshot before the first tick.
	_ = s.scan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.scan(s.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) scan(parent context.Context) error {
	scanCtx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredDevice)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				device.LastSeen = time.Now()
				collected[device.DeviceID] = device
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	s.applySnapshot(collected)

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]DiscoveredDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.devices
	s.devices = next

	for id, device := range next {
		old, exists := previous[id]
		if !exists || !devicesEqual(old, device) {
			s.emit(Event{Type: EventDeviceFound, Device: device})
		}
	}
	for id, device := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventDeviceLost, Device: device})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["deviceId"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredDevice{}, false
	}

	version := 0
	if raw := txt["protocolVersion"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredDevice{
		DeviceID:        deviceID,
		DeviceName:      name,
		Fingerprint:     strings.TrimSpace(txt["fingerprint"]),
		ProtocolVersion: version,
		HostName:        entry.HostName,
		Port:            entry.Port,
		Addresses:       addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func devicesEqual(a, b DiscoveredDevice) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.Fingerprint != b.Fingerprint ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
