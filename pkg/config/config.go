// Package config provides configuration management for the matrix-e2e
// client. Supports TOML configuration files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Helper function to validate directory exists or can be created
func validateDirectoryWritable(dir string) error {
	// Check if directory exists
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Try to create it
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	// Check if it's actually a directory
	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	// Check if we can write to it
	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all client configuration.
type Config struct {
	// Client holds the Matrix account and persisted sync state.
	Client ClientConfig `toml:"client"`

	// EventBus configures the local event fan-out (in-process and WebSocket).
	EventBus EventBusConfig `toml:"eventbus"`

	// SSO configures the browser-redirect login flow.
	SSO SSOConfig `toml:"sso"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// ClientConfig holds the Matrix account identity and persisted state
// needed to resume a session, plus the directory every store lives under.
type ClientConfig struct {
	// BaseDir is the directory holding config.toml, crypto.db, devices.db,
	// roomstate.db and timeline.db.
	BaseDir string `toml:"base_dir" env:"MATRIX_E2E_BASE_DIR"`

	// HomeserverURL is the Matrix homeserver base URL.
	HomeserverURL string `toml:"homeserver_url" env:"MATRIX_E2E_HOMESERVER"`

	// UserID is the full Matrix user ID (@user:domain).
	UserID string `toml:"user_id" env:"MATRIX_E2E_USER_ID"`

	// DeviceID identifies this client's device to the homeserver.
	DeviceID string `toml:"device_id" env:"MATRIX_E2E_DEVICE_ID"`

	// AccessToken authenticates requests to the homeserver.
	AccessToken string `toml:"access_token" env:"MATRIX_E2E_ACCESS_TOKEN"`

	// NextBatch is the last sync cursor, persisted after every successful sync.
	NextBatch string `toml:"next_batch"`

	// MasterKey optionally seeds SQLCipher's key (if empty, Open derives
	// one from a hardware-bound keystore under BaseDir).
	MasterKey string `toml:"master_key" env:"MATRIX_E2E_MASTER_KEY"`

	// SyncTimeoutSeconds is the long-poll timeout passed to /sync.
	SyncTimeoutSeconds int `toml:"sync_timeout_seconds" env:"MATRIX_E2E_SYNC_TIMEOUT"`

	// Retry configuration for transport requests.
	Retry RetryConfig `toml:"retry"`
}

// RetryConfig holds retry configuration for homeserver requests.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int `toml:"max_retries"`

	// RetryDelaySeconds is the base delay between retries.
	RetryDelaySeconds int `toml:"retry_delay_seconds"`

	// BackoffMultiplier multiplies the delay after each retry.
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// EventBusConfig configures the in-process event bus and its optional
// WebSocket fan-out.
type EventBusConfig struct {
	WebSocketEnabled       bool   `toml:"websocket_enabled" env:"MATRIX_E2E_WS_ENABLED"`
	WebSocketAddr          string `toml:"websocket_addr" env:"MATRIX_E2E_WS_ADDR"`
	WebSocketPath          string `toml:"websocket_path" env:"MATRIX_E2E_WS_PATH"`
	MaxSubscribers         int    `toml:"max_subscribers"`
	InactivityTimeoutSeconds int  `toml:"inactivity_timeout_seconds"`
}

// SSOConfig configures the m.login.sso redirect-and-token-exchange flow.
type SSOConfig struct {
	Enabled      bool   `toml:"enabled" env:"MATRIX_E2E_SSO_ENABLED"`
	CallbackAddr string `toml:"callback_addr" env:"MATRIX_E2E_SSO_CALLBACK_ADDR"`
	CallbackPath string `toml:"callback_path"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `toml:"level" env:"MATRIX_E2E_LOG_LEVEL"`

	// Format is the log format (json, text).
	Format string `toml:"format" env:"MATRIX_E2E_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, or file).
	Output string `toml:"output" env:"MATRIX_E2E_LOG_OUTPUT"`

	// File is the log file path when output is "file".
	File string `toml:"file" env:"MATRIX_E2E_LOG_FILE"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Client: ClientConfig{
			BaseDir:            filepath.Join(homeDir, ".matrix-e2e"),
			DeviceID:           "matrix-e2e",
			SyncTimeoutSeconds: 30,
			Retry: RetryConfig{
				MaxRetries:        3,
				RetryDelaySeconds: 5,
				BackoffMultiplier: 2.0,
			},
		},
		EventBus: EventBusConfig{
			WebSocketEnabled:         false,
			WebSocketAddr:            "127.0.0.1:8444",
			WebSocketPath:            "/events",
			MaxSubscribers:           100,
			InactivityTimeoutSeconds: 1800,
		},
		SSO: SSOConfig{
			Enabled:      false,
			CallbackAddr: "127.0.0.1:8445",
			CallbackPath: "/sso/callback",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			File:   "",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check.
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".matrix-e2e", "config.toml"),
		filepath.Join("/etc", "matrix-e2e", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Client.BaseDir == "" {
		return fmt.Errorf("%w: client.base_dir is required", ErrInvalidConfig)
	}
	if err := validateDirectoryWritable(c.Client.BaseDir); err != nil {
		return fmt.Errorf("%w: base_dir %s: %w", ErrInvalidConfig, c.Client.BaseDir, err)
	}

	if c.Client.HomeserverURL == "" {
		return fmt.Errorf("%w: client.homeserver_url is required", ErrInvalidConfig)
	}
	if c.Client.DeviceID == "" {
		return fmt.Errorf("%w: client.device_id is required", ErrInvalidConfig)
	}

	if c.Client.SyncTimeoutSeconds < 1 {
		return fmt.Errorf("%w: client.sync_timeout_seconds must be at least 1", ErrInvalidConfig)
	}
	if c.Client.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: client.retry.max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.Client.Retry.RetryDelaySeconds < 0 {
		return fmt.Errorf("%w: client.retry.retry_delay_seconds cannot be negative", ErrInvalidConfig)
	}
	if c.Client.Retry.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: client.retry.backoff_multiplier must be at least 1.0", ErrInvalidConfig)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

// CryptoDBPath returns the path to the SQLCipher-encrypted account/session
// store (account, olm_sessions, megolm_inbound, megolm_outbound).
func (c *Config) CryptoDBPath() string {
	return filepath.Join(c.Client.BaseDir, "crypto.db")
}

// DevicesDBPath returns the path to the SQLCipher-encrypted device registry
// store (device_keys, pending_session_requests).
func (c *Config) DevicesDBPath() string {
	return filepath.Join(c.Client.BaseDir, "devices.db")
}

// RoomStateDBPath returns the path to the room state index database.
func (c *Config) RoomStateDBPath() string {
	return filepath.Join(c.Client.BaseDir, "roomstate.db")
}

// TimelineDBPath returns the path to the timeline log database.
func (c *Config) TimelineDBPath() string {
	return filepath.Join(c.Client.BaseDir, "timeline.db")
}

// SyncTimeout returns the configured sync long-poll timeout as a Duration.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Client.SyncTimeoutSeconds) * time.Second
}

// NextBatch returns the last persisted sync cursor, or "" before the
// first successful sync.
func (c *Config) NextBatch() string {
	return c.Client.NextBatch
}

// SetNextBatch records a new sync cursor in memory; callers persist it
// with Save once the cursor's corresponding sync results are durable.
func (c *Config) SetNextBatch(token string) {
	c.Client.NextBatch = token
}

// InactivityTimeout returns the configured subscriber inactivity timeout.
func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.EventBus.InactivityTimeoutSeconds) * time.Second
}
