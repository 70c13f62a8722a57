// Package config manages persistent client preferences and the numeric
// defaults used throughout the playback stack. Settings are stored as
// JSON at os.UserConfigDir()/waveecore/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds every persistent, user-overridable preference.
type Config struct {
	OutputDeviceID int     `json:"output_device_id"`
	Volume         float64 `json:"volume"`
	BufferMs       int     `json:"buffer_ms"`

	APPingIntervalMs int `json:"ap_ping_interval_ms"`
	APPingTimeoutMs  int `json:"ap_ping_timeout_ms"`

	DealerPingIntervalMs int `json:"dealer_ping_interval_ms"`

	PipelineCommandTimeoutMs int `json:"pipeline_command_timeout_ms"`

	ChunkSizeBytes     int   `json:"chunk_size_bytes"`
	PrefetchWindowSize int   `json:"prefetch_window_size"`
	MaxCacheSizeBytes  int64 `json:"max_cache_size_bytes"`
	MinFreePercent     int   `json:"min_free_percent"`

	AudioKeyRetryCount int `json:"audio_key_retry_count"`

	RefreshThresholdMs int64 `json:"refresh_threshold_ms"`
}

// Default returns a Config populated with the numeric defaults named
// throughout the component specs (AP, dealer, pipeline, cache, download).
func Default() Config {
	return Config{
		OutputDeviceID: -1,
		Volume:         1.0,
		BufferMs:       100,

		APPingIntervalMs: 60_000,
		APPingTimeoutMs:  10_000,

		DealerPingIntervalMs: 30_000,

		PipelineCommandTimeoutMs: 2_000,

		ChunkSizeBytes:     128 * 1024,
		PrefetchWindowSize: 4,
		MaxCacheSizeBytes:  1 << 30,
		MinFreePercent:     10,

		AudioKeyRetryCount: 5,

		RefreshThresholdMs: int64(5 * time.Minute / time.Millisecond),
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "waveecore", "config.json"), nil
}

// Load reads the config file and returns it. A missing or unreadable file
// yields the default config, never an error — config is always optional.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// APPingInterval returns the configured AP heartbeat interval as a Duration.
func (c Config) APPingInterval() time.Duration {
	return time.Duration(c.APPingIntervalMs) * time.Millisecond
}

// APPingTimeout returns the configured AP heartbeat ack timeout as a Duration.
func (c Config) APPingTimeout() time.Duration {
	return time.Duration(c.APPingTimeoutMs) * time.Millisecond
}

// DealerPingInterval returns the configured dealer inbound-frame expectation.
func (c Config) DealerPingInterval() time.Duration {
	return time.Duration(c.DealerPingIntervalMs) * time.Millisecond
}

// PipelineCommandTimeout returns the configured command-lock acquisition timeout.
func (c Config) PipelineCommandTimeout() time.Duration {
	return time.Duration(c.PipelineCommandTimeoutMs) * time.Millisecond
}

// RefreshThreshold returns the configured access-token near-expiry threshold.
func (c Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdMs) * time.Millisecond
}
