// Package config handles configuration for the brokerd daemon, including
// defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the credential broker.
//
// Fields:
//   - EndpointAddr: bind address for the public HTTP endpoint.
//   - DatabaseDSN: PostgreSQL DSN (pgx). Empty keeps quota and replay
//     tracking in memory, which only suits a single replica.
//   - Audience: value presented tokens must carry in their aud claim.
//   - QuotaLimitBytes: per-vault storage ceiling.
//   - CredentialTTL: lifetime of issued storage credentials (capped at 1h).
//   - IssuerKeys: issuer URL -> base64 Ed25519 verification key.
type Config struct {
	EndpointAddr    string
	DatabaseDSN     string
	Audience        string
	QuotaLimitBytes int64
	CredentialTTL   time.Duration
	IssuerKeys      map[string]string
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":8780"
	c.DatabaseDSN = ""
	c.Audience = "flint-note-sync"
	c.QuotaLimitBytes = 1_000_000_000
	c.CredentialTTL = time.Hour
	c.IssuerKeys = map[string]string{}
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
