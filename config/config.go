// Package config holds the on-disk configuration for a swarmlink node.
package config

import (
	"encoding/json"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the configuration consumed by the node coordinator. Intervals
// are stored as whole seconds in the file; use the accessor methods for
// time.Duration values.
type Config struct {
	configFile string

	Network struct {
		// Address to listen on for incoming peer connections.
		ListenAddress string `json:"listen_address"`

		// LAN discovery via UDP broadcast.
		DiscoveryEnabled     bool `json:"discovery_enabled"`
		DiscoveryPort        int  `json:"discovery_port"`
		DiscoveryIntervalSec int  `json:"discovery_interval_sec"`

		// Interval between heartbeat pings to connected peers.
		HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`

		// Statically configured peer addresses dialed at startup.
		BootstrapPeers []string `json:"bootstrap_peers"`

		// Advisory ceiling on simultaneous peer connections.
		MaxPeers int `json:"max_peers"`
	} `json:"network"`

	DataStore struct {
		IdentityPath  string `json:"identity"`
		PeerStorePath string `json:"peerstore"`
	} `json:"datastore"`
}

// NewDefault returns a configuration with default settings.
func NewDefault(configFile string) *Config {
	cfg := &Config{configFile: configFile}

	cfg.Network.ListenAddress = "0.0.0.0:9470"
	cfg.Network.DiscoveryEnabled = true
	cfg.Network.DiscoveryPort = 9471
	cfg.Network.DiscoveryIntervalSec = 5
	cfg.Network.HeartbeatIntervalSec = 30
	cfg.Network.MaxPeers = 32

	cfg.DataStore.IdentityPath = "/tmp/swarmlink/identity.json"
	cfg.DataStore.PeerStorePath = "/tmp/swarmlink/peerstore"

	return cfg
}

// NewFromFile loads a configuration from a JSON file.
func NewFromFile(configFile string) (*Config, error) {
	cfg := NewDefault(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DiscoveryInterval returns the discovery announcement interval.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Network.DiscoveryIntervalSec) * time.Second
}

// HeartbeatInterval returns the heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Network.HeartbeatIntervalSec) * time.Second
}

// Save writes the configuration to its file.
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0o644)
}

// Load reads the configuration from its file, overriding defaults with
// whatever the file sets.
func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)

	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}
