package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/disnet/flint-note-sync/internal/flagx"
	"github.com/disnet/flint-note-sync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "60s"
// or as integer nanoseconds.
type JsonConfig struct {
	DeviceID     string         `json:"device_id"`
	DataDir      string         `json:"data_dir"`
	BrokerURL    string         `json:"broker_url"`
	TokenPath    string         `json:"token_path"`
	S3Region     string         `json:"s3_region"`
	S3Bucket     string         `json:"s3_bucket"`
	S3Endpoint   string         `json:"s3_endpoint"`
	SyncInterval timex.Duration `json:"sync_interval"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// the -c/-config flag. Missing flag means no JSON is loaded.
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

	if jc.DeviceID != "" {
		cfg.DeviceID = jc.DeviceID
	}
	if jc.DataDir != "" {
		cfg.DataDir = jc.DataDir
	}
	if jc.BrokerURL != "" {
		cfg.BrokerURL = jc.BrokerURL
	}
	if jc.TokenPath != "" {
		cfg.TokenPath = jc.TokenPath
	}
	if jc.S3Region != "" {
		cfg.S3Region = jc.S3Region
	}
	if jc.S3Bucket != "" {
		cfg.S3Bucket = jc.S3Bucket
	}
	if jc.S3Endpoint != "" {
		cfg.S3Endpoint = jc.S3Endpoint
	}
	if jc.SyncInterval.Duration > 0 {
		cfg.SyncInterval = time.Duration(jc.SyncInterval.Duration)
	}
}
