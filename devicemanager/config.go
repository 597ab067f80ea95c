package devicemanager

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for a DeviceManager: which
// channel-service extensions are enabled and how, plus the locally
// configured display name (spec §4.6's "naming").
type Config struct {
	DeviceName string         `yaml:"deviceName"`
	DeviceType string         `yaml:"deviceType"`
	DataDir    string         `yaml:"dataDir"`
	Transports TransportsConfig `yaml:"transports"`
}

// TransportsConfig lists the channel-service extensions this process
// may enable (spec §4.6: "load every channel-service extension and, for
// each enabled, construct it").
type TransportsConfig struct {
	TCP       TCPConfig `yaml:"tcp"`
	WebSocket WSConfig  `yaml:"websocket"`
}

type TCPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listenAddr"`
	BroadcastAddr string `yaml:"broadcastAddr"`
}

type WSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
	RelayURL   string `yaml:"relayURL"`
}

// DefaultConfig is a reasonable single-LAN-transport starting point.
func DefaultConfig() *Config {
	return &Config{
		DeviceType: "desktop",
		DataDir:    "/var/lib/kdeconnect",
		Transports: TransportsConfig{
			TCP: TCPConfig{
				Enabled:       true,
				ListenAddr:    ":1716",
				BroadcastAddr: "255.255.255.255:1716",
			},
		},
	}
}

// LoadConfig reads path, or writes out DefaultConfig there if it does
// not yet exist (the same read-or-seed pattern every configured process
// in this stack follows).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		out, marshalErr := yaml.Marshal(cfg)
		if marshalErr != nil {
			return nil, fmt.Errorf("devicemanager: marshal default config: %w", marshalErr)
		}
		if writeErr := os.WriteFile(path, out, 0o600); writeErr != nil {
			return nil, fmt.Errorf("devicemanager: write default config: %w", writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devicemanager: read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("devicemanager: parse config: %w", err)
	}
	return cfg, nil
}
