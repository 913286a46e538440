package trust

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrCertificateMismatch indicates a paired device presented a certificate
	// that differs from its pinned one. Treated as a security event, never
	// downgraded to first-use trust.
	ErrCertificateMismatch = errors.New("trust: pinned certificate mismatch")
)

// PinFunc persists a newly pinned certificate.
type PinFunc func(deviceID string, certDER []byte) error

// Store maps a remote device ID to its pinned certificate.
//
// Reads vastly outnumber writes (one write per pairing event), so lookups
// take a read lock only.
type Store struct {
	mu   sync.RWMutex
	pins map[string][]byte

	onPin PinFunc
}

// NewStore creates a trust store seeded with previously pinned certificates.
// onPin, if non-nil, is invoked whenever a first-use certificate is accepted.
func NewStore(pins map[string][]byte, onPin PinFunc) *Store {
	seeded := make(map[string][]byte, len(pins))
	for deviceID, der := range pins {
		seeded[deviceID] = append([]byte(nil), der...)
	}
	return &Store{pins: seeded, onPin: onPin}
}

// Pinned returns the pinned certificate for a device, if any.
func (s *Store) Pinned(deviceID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	der, ok := s.pins[deviceID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), der...), true
}

// Evaluate decides whether a presented leaf certificate is acceptable for a
// device: accepted and pinned on first use, thereafter it must equal the
// pinned certificate byte for byte.
func (s *Store) Evaluate(deviceID string, presented []byte) error {
	if len(presented) == 0 {
		return fmt.Errorf("%w: no certificate presented by %q", ErrCertificateMismatch, deviceID)
	}

	s.mu.RLock()
	pinned, known := s.pins[deviceID]
	s.mu.RUnlock()

	if known {
		if !bytes.Equal(pinned, presented) {
			return fmt.Errorf("%w: device %q", ErrCertificateMismatch, deviceID)
		}
		return nil
	}

	return s.pin(deviceID, presented)
}

// Remove forgets a device's pinned certificate. Re-pairing is the only path
// to trust a replacement certificate.
func (s *Store) Remove(deviceID string) {
	s.mu.Lock()
	delete(s.pins, deviceID)
	s.mu.Unlock()
}

func (s *Store) pin(deviceID string, certDER []byte) error {
	s.mu.Lock()
	// Another connection may have pinned concurrently; exact match wins,
	// a differing certificate loses the race and is rejected.
	if existing, ok := s.pins[deviceID]; ok {
		s.mu.Unlock()
		if bytes.Equal(existing, certDER) {
			return nil
		}
		return fmt.Errorf("%w: device %q", ErrCertificateMismatch, deviceID)
	}
	s.pins[deviceID] = append([]byte(nil), certDER...)
	s.mu.Unlock()

	if s.onPin != nil {
		if err := s.onPin(deviceID, certDER); err != nil {
			return fmt.Errorf("persist pinned certificate for %q: %w", deviceID, err)
		}
	}
	return nil
}
