package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/disnet/flint-note-sync/internal/flagx"
	"github.com/disnet/flint-note-sync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify durations either as strings like "30m"
// or as integer nanoseconds.
type JsonConfig struct {
	EndpointAddr    string            `json:"endpoint_addr"`
	DatabaseDSN     string            `json:"database_dsn"`
	Audience        string            `json:"audience"`
	QuotaLimitBytes int64             `json:"quota_limit_bytes"`
	CredentialTTL   timex.Duration    `json:"credential_ttl"`
	IssuerKeys      map[string]string `json:"issuer_keys"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// the -c/-config flag. Missing flag means no JSON is loaded. Read or
// unmarshal errors panic; there is no sane way to continue half-configured.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFilePath()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.EndpointAddr != "" {
		cfg.EndpointAddr = jc.EndpointAddr
	}
	if jc.DatabaseDSN != "" {
		cfg.DatabaseDSN = jc.DatabaseDSN
	}
	if jc.Audience != "" {
		cfg.Audience = jc.Audience
	}
	if jc.QuotaLimitBytes > 0 {
		cfg.QuotaLimitBytes = jc.QuotaLimitBytes
	}
	if jc.CredentialTTL.Duration > 0 {
		cfg.CredentialTTL = time.Duration(jc.CredentialTTL.Duration)
	}
	if len(jc.IssuerKeys) > 0 {
		cfg.IssuerKeys = jc.IssuerKeys
	}
}
