// Package config provides configuration loading and management for the
// matrix-e2e client.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from a file path.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// If path is empty, search for default config files
	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	// If no config file found, warn and return defaults
	if path == "" {
		log.Printf("Warning: No configuration file found in default locations")
		log.Printf("Default locations checked:")
		for _, p := range ConfigPaths() {
			log.Printf("  - %s", p)
		}
		log.Printf("Using default configuration")
		return cfg, nil
	}

	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML using BurntSushi/toml library
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits on error.
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Client overrides
	if v := os.Getenv("MATRIX_E2E_BASE_DIR"); v != "" {
		cfg.Client.BaseDir = v
	}
	if v := os.Getenv("MATRIX_E2E_HOMESERVER"); v != "" {
		cfg.Client.HomeserverURL = v
	}
	if v := os.Getenv("MATRIX_E2E_USER_ID"); v != "" {
		cfg.Client.UserID = v
	}
	if v := os.Getenv("MATRIX_E2E_DEVICE_ID"); v != "" {
		cfg.Client.DeviceID = v
	}
	if v := os.Getenv("MATRIX_E2E_ACCESS_TOKEN"); v != "" {
		cfg.Client.AccessToken = v
	}
	if v := os.Getenv("MATRIX_E2E_MASTER_KEY"); v != "" {
		cfg.Client.MasterKey = v
	}
	if v := os.Getenv("MATRIX_E2E_SYNC_TIMEOUT"); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil {
			cfg.Client.SyncTimeoutSeconds = seconds
		}
	}

	// EventBus overrides
	if v := os.Getenv("MATRIX_E2E_WS_ENABLED"); v != "" {
		cfg.EventBus.WebSocketEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MATRIX_E2E_WS_ADDR"); v != "" {
		cfg.EventBus.WebSocketAddr = v
	}
	if v := os.Getenv("MATRIX_E2E_WS_PATH"); v != "" {
		cfg.EventBus.WebSocketPath = v
	}

	// SSO overrides
	if v := os.Getenv("MATRIX_E2E_SSO_ENABLED"); v != "" {
		cfg.SSO.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MATRIX_E2E_SSO_CALLBACK_ADDR"); v != "" {
		cfg.SSO.CallbackAddr = v
	}

	// Logging overrides
	if v := os.Getenv("MATRIX_E2E_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MATRIX_E2E_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MATRIX_E2E_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("MATRIX_E2E_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

// Save writes the configuration to path via a temp-file-then-rename, so a
// crash mid-write never leaves a truncated config.toml behind.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Normalize paths for TOML compatibility (forward slashes, no backslashes).
	cfgCopy := *cfg
	cfgCopy.Client.BaseDir = filepath.ToSlash(cfg.Client.BaseDir)

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to install config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()

	cfg.Client.HomeserverURL = "https://matrix.example.com"
	cfg.Client.UserID = "@bot:matrix.example.com"
	cfg.Logging.Level = "info"

	return Save(cfg, path)
}
