package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanpair"
	// DefaultListeningPort is the TLS server and announcement port.
	DefaultListeningPort = 7863
	// DefaultDeviceModel is announced when no user override exists.
	DefaultDeviceModel = "lanpair"
	// DefaultDeviceType is announced when no user override exists.
	DefaultDeviceType = "desktop"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string `json:"device_id"`
	Alias           string `json:"alias"`
	DeviceModel     string `json:"device_model"`
	DeviceType      string `json:"device_type"`
	ListeningPort   int    `json:"listening_port"`
	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	CertificateID   string `json:"certificate_id"`
	Fingerprint     string `json:"fingerprint"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANPAIR_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANPAIR_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	alias := "LANPair Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		alias = host
	}

	certsDir := filepath.Join(dataDir, "certs")
	return &DeviceConfig{
		DeviceID:        uuid.NewString(),
		Alias:           alias,
		DeviceModel:     DefaultDeviceModel,
		DeviceType:      DefaultDeviceType,
		ListeningPort:   DefaultListeningPort,
		CertificatePath: filepath.Join(certsDir, "certificate.pem"),
		PrivateKeyPath:  filepath.Join(certsDir, "private_key.pem"),
		CertificateID:   uuid.NewString(),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	certsDir := filepath.Join(dataDir, "certs")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.Alias == "" {
		alias := "LANPair Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			alias = host
		}
		cfg.Alias = alias
		updated = true
	}

	if cfg.DeviceModel == "" {
		cfg.DeviceModel = DefaultDeviceModel
		updated = true
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = DefaultDeviceType
		updated = true
	}

	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}

	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(certsDir, "certificate.pem")
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(certsDir, "private_key.pem")
		updated = true
	}

	// The certificate ID doubles as the certificate common name, so it must
	// exist before the first certificate is generated.
	if cfg.CertificateID == "" {
		cfg.CertificateID = uuid.NewString()
		updated = true
	}

	return updated
}
