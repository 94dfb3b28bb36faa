// Package config handles configuration for the notesync CLI, including
// defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds runtime settings for the notesync CLI.
//
// Fields:
//   - DeviceID: stable identifier for this device within the vault.
//   - DataDir: directory for the local database and identity material.
//   - BrokerURL: base URL of the credential broker.
//   - TokenPath: file containing the current access token. Tokens are
//     single use; whatever login flow obtained them keeps this file fresh.
//   - S3Region / S3Bucket / S3Endpoint: object storage settings. Endpoint
//     supports MinIO-style gateways.
//   - SyncInterval: period of the background sync cycle.
type Config struct {
	DeviceID     string
	DataDir      string
	BrokerURL    string
	TokenPath    string
	S3Region     string
	S3Bucket     string
	S3Endpoint   string
	SyncInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	host, err := os.Hostname()
	if err != nil {
		host = "device"
	}
	c.DeviceID = host
	c.DataDir = filepath.Join(home, ".notesync")
	c.BrokerURL = "http://127.0.0.1:8780"
	c.TokenPath = filepath.Join(home, ".notesync", "token")
	c.S3Region = "us-east-1"
	c.S3Bucket = "notes"
	c.S3Endpoint = ""
	c.SyncInterval = 60 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
