package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LANPAIR_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.CertificateID == "" {
		t.Fatalf("expected non-empty certificate ID")
	}
	if firstCfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected default listening port %d, got %d", DefaultListeningPort, firstCfg.ListeningPort)
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
	if secondCfg.CertificateID != firstCfg.CertificateID {
		t.Fatalf("expected stable certificate ID, got %q then %q", firstCfg.CertificateID, secondCfg.CertificateID)
	}
	if secondCfg.CertificatePath != firstCfg.CertificatePath {
		t.Fatalf("expected stable certificate path, got %q then %q", firstCfg.CertificatePath, secondCfg.CertificatePath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LANPAIR_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &DeviceConfig{
		DeviceID: "legacy-device",
		Alias:    "Legacy",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "legacy-device" {
		t.Fatalf("expected existing device ID to be retained, got %q", cfg.DeviceID)
	}
	if cfg.Alias != "Legacy" {
		t.Fatalf("expected existing alias to be retained, got %q", cfg.Alias)
	}
	if cfg.ListeningPort != DefaultListeningPort {
		t.Fatalf("expected listening port to normalize to %d, got %d", DefaultListeningPort, cfg.ListeningPort)
	}
	if cfg.CertificatePath == "" || cfg.PrivateKeyPath == "" {
		t.Fatalf("expected certificate paths to be filled in, got %q / %q", cfg.CertificatePath, cfg.PrivateKeyPath)
	}
	if cfg.CertificateID == "" {
		t.Fatalf("expected certificate ID to be generated")
	}
}
