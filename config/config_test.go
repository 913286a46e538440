package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("AIRLINK_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
	}
	if firstCfg.TransferPortLow != DefaultTransferPortLow || firstCfg.TransferPortHigh != DefaultTransferPortHigh {
		t.Fatalf("expected default transfer port range %d-%d, got %d-%d",
			DefaultTransferPortLow, DefaultTransferPortHigh, firstCfg.TransferPortLow, firstCfg.TransferPortHigh)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.PrivateKeyPath != firstCfg.PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.PrivateKeyPath, secondCfg.PrivateKeyPath)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("AIRLINK_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID:   "legacy-device",
		DeviceName: "Legacy",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected listening port to normalize to %d, got %d", DefaultListeningPort, cfg.ListeningPort)
	}
	if cfg.PrivateKeyPath == "" || cfg.CertificatePath == "" {
		t.Fatalf("expected key material paths to be filled in")
	}
	if cfg.DownloadDir == "" {
		t.Fatalf("expected download directory to be filled in")
	}
}
