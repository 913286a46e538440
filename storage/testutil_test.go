package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveDevice(t *testing.T, store *Store, deviceID, name string) {
	t.Helper()

	err := store.SaveDevice(Device{
		DeviceID:    deviceID,
		DeviceName:  name,
		Certificate: []byte("der-certificate-" + deviceID),
		Fingerprint: "fingerprint-" + deviceID,
	})
	if err != nil {
		t.Fatalf("save device %q: %v", deviceID, err)
	}
}
