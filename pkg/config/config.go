package config

import "time"

// Config represents the main configuration for a muxnet node
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID              string   `yaml:"id"`               // Auto-generated if empty
	ListenAddresses []string `yaml:"listen_addresses"` // LibP2P listen addresses
	DataDir         string   `yaml:"data_dir"`         // Data directory (identity key lives here)
	MaxConnections  int      `yaml:"max_connections"`  // Maximum peer connections
}

// DiscoveryConfig contains peer discovery configuration
type DiscoveryConfig struct {
	BootstrapPeers    []string      `yaml:"bootstrap_peers"`    // Peer multiaddrs to connect to
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // Base interval between reconnect attempts
}

// GatewayConfig contains the local HTTP/WebSocket gateway configuration
type GatewayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // e.g. "127.0.0.1:6001"
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	OutputFile string `yaml:"output_file"` // Empty for stdout
	Colors     bool   `yaml:"colors"`
}

// Default returns a config suitable for local development.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/4001"},
			DataDir:         "~/.muxnet",
			MaxConnections:  50,
		},
		Discovery: DiscoveryConfig{
			ReconnectInterval: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:6001",
		},
		Logging: LoggingConfig{
			Colors: true,
		},
	}
}
