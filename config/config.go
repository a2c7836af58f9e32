// Package config loads and persists the TOML configuration file for a
// SonicNet node, following the teacher's Load/createDefault shape:
// missing files get a default written in place, present files decode
// straight onto the struct.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config holds every tunable named in the configuration table (spec §6).
// Periods are expressed in seconds on the wire to keep the TOML file
// human-editable; accessor methods below convert to time.Duration.
type Config struct {
	NodeID string `toml:"NodeID"`

	ServerAPIURL         string `toml:"ServerAPIURL"`
	ServerUploadInterval int    `toml:"ServerUploadInterval"`

	UDPMulticastGroup string `toml:"UDPMulticastGroup"`
	UDPPort           int    `toml:"UDPPort"`

	BLEScanInterval      int `toml:"BLEScanInterval"`
	BLEConnectionTimeout int `toml:"BLEConnectionTimeout"`

	GGWaveSampleRate      int `toml:"GGWaveSampleRate"`
	GGWaveSamplesPerFrame int `toml:"GGWaveSamplesPerFrame"`
	GGWaveVolume          int `toml:"GGWaveVolume"`

	PacketCacheLimit    int `toml:"PacketCacheLimit"`
	PacketExpiration    int `toml:"PacketExpiration"`
	MaxPacketsPerMinute int `toml:"MaxPacketsPerMinute"`
	HeartbeatInterval   int `toml:"HeartbeatInterval"`

	TTLCritical int `toml:"TTLCritical"`
	TTLHigh     int `toml:"TTLHigh"`
	TTLMedium   int `toml:"TTLMedium"`
	TTLLow      int `toml:"TTLLow"`
}

// Load reads the configuration at path, creating a default file there if
// none exists yet. A missing NodeID in an existing file is filled in and
// persisted, the same way the teacher backfills a missing validator key.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, os.ModePerm)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := toml.NewEncoder(f).Encode(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file, with
// every value from the configuration table (spec §6).
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		NodeID: uuid.NewString(),

		ServerAPIURL:         "",
		ServerUploadInterval: 10,

		UDPMulticastGroup: "224.1.1.1",
		UDPPort:           9999,

		BLEScanInterval:      10,
		BLEConnectionTimeout: 15,

		GGWaveSampleRate:      48000,
		GGWaveSamplesPerFrame: 1024,
		GGWaveVolume:          50,

		PacketCacheLimit:    100,
		PacketExpiration:    3600,
		MaxPacketsPerMinute: 10,
		HeartbeatInterval:   60,

		TTLCritical: 20,
		TTLHigh:     15,
		TTLMedium:   10,
		TTLLow:      5,
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UploadInterval returns the server uploader's cycle period.
func (c *Config) UploadInterval() time.Duration {
	return time.Duration(c.ServerUploadInterval) * time.Second
}

// ScanInterval returns the BLE scanner's rescan cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.BLEScanInterval) * time.Second
}

// ConnectionTimeout returns the BLE GATT connect timeout.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.BLEConnectionTimeout) * time.Second
}

// CacheTTL returns the packet cache's time-to-live.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.PacketExpiration) * time.Second
}

// HeartbeatPeriod returns the coordinator's heartbeat cadence.
func (c *Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// ValidateConfig checks the invariants spec §6 implies: ports and
// intervals must be positive, and the TTL_* table must be set and
// monotonically non-increasing from CRITICAL down to LOW, since a
// lower-urgency packet with a larger hop budget than a higher-urgency
// one would invert the priority ordering the rest of the mesh assumes.
func ValidateConfig(c *Config) error {
	if c.UDPPort <= 0 || c.UDPPort > 65535 {
		return fmt.Errorf("config: UDPPort out of range: %d", c.UDPPort)
	}
	if c.UDPMulticastGroup == "" {
		return fmt.Errorf("config: UDPMulticastGroup must not be empty")
	}
	if c.PacketCacheLimit <= 0 {
		return fmt.Errorf("config: PacketCacheLimit must be > 0")
	}
	if c.MaxPacketsPerMinute <= 0 {
		return fmt.Errorf("config: MaxPacketsPerMinute must be > 0")
	}
	if c.ServerUploadInterval <= 0 {
		return fmt.Errorf("config: ServerUploadInterval must be > 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: HeartbeatInterval must be > 0")
	}
	if c.TTLCritical <= 0 || c.TTLHigh <= 0 || c.TTLMedium <= 0 || c.TTLLow <= 0 {
		return fmt.Errorf("config: TTL_CRITICAL/HIGH/MEDIUM/LOW must all be > 0")
	}
	if !(c.TTLCritical >= c.TTLHigh && c.TTLHigh >= c.TTLMedium && c.TTLMedium >= c.TTLLow) {
		return fmt.Errorf("config: TTL_* must be non-increasing from CRITICAL to LOW, got %d/%d/%d/%d",
			c.TTLCritical, c.TTLHigh, c.TTLMedium, c.TTLLow)
	}
	return nil
}
