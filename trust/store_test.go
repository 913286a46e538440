package trust

import (
	"errors"
	"testing"
)

func TestEvaluateAcceptsAndPinsFirstUse(t *testing.T) {
	pinned := make(map[string][]byte)
	store := NewStore(nil, func(deviceID string, der []byte) error {
		pinned[deviceID] = der
		return nil
	})

	cert := []byte{0x30, 0x82, 0x01, 0x02}
	if err := store.Evaluate("device-a", cert); err != nil {
		t.Fatalf("first-use Evaluate failed: %v", err)
	}
	if _, ok := pinned["device-a"]; !ok {
		t.Fatalf("expected first-use certificate to be persisted")
	}

	got, ok := store.Pinned("device-a")
	if !ok {
		t.Fatalf("expected pinned certificate after first use")
	}
	if string(got) != string(cert) {
		t.Fatalf("pinned certificate does not match presented one")
	}
}

func TestEvaluateRejectsByteDifferentCertificate(t *testing.T) {
	cert := []byte{0x30, 0x82, 0x01, 0x02}
	store := NewStore(map[string][]byte{"device-a": cert}, nil)

	altered := append([]byte(nil), cert...)
	altered[len(altered)-1] ^= 0x01

	if err := store.Evaluate("device-a", altered); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("expected ErrCertificateMismatch, got %v", err)
	}

	if err := store.Evaluate("device-a", cert); err != nil {
		t.Fatalf("expected exact pinned certificate to be accepted, got %v", err)
	}
}

func TestEvaluateRejectsEmptyPresentation(t *testing.T) {
	store := NewStore(nil, nil)
	if err := store.Evaluate("device-a", nil); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("expected ErrCertificateMismatch for empty certificate, got %v", err)
	}
}

func TestRemoveAllowsRePairing(t *testing.T) {
	cert := []byte{0x01, 0x02}
	replacement := []byte{0x03, 0x04}
	store := NewStore(map[string][]byte{"device-a": cert}, nil)

	if err := store.Evaluate("device-a", replacement); !errors.Is(err, ErrCertificateMismatch) {
		t.Fatalf("expected replacement to be rejected before unpair, got %v", err)
	}

	store.Remove("device-a")
	if err := store.Evaluate("device-a", replacement); err != nil {
		t.Fatalf("expected replacement to pin after unpair, got %v", err)
	}
}
