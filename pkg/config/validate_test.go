package config

import (
	"strings"
	"testing"
)

// validConfig returns a config that passes validation
func validConfig() *Config {
	validPeer := "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWHbcFcrGPXKUrHcxvd8MXEeUzRYyvY8fQcpEBxncSUwhj"
	cfg := Default()
	cfg.Node.ID = "test-node"
	cfg.Node.DataDir = "."
	cfg.Discovery.BootstrapPeers = []string{validPeer}
	return cfg
}

func TestValidateListenAddresses(t *testing.T) {
	tests := []struct {
		name        string
		addresses   []string
		shouldError bool
	}{
		{"valid single", []string{"/ip4/0.0.0.0/tcp/4001"}, false},
		{"valid ipv6", []string{"/ip6/::/tcp/4001"}, false},
		{"invalid multiaddr", []string{"invalid"}, true},
		{"empty", []string{}, true},
		{"duplicate", []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/tcp/4001"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Node.ListenAddresses = tt.addresses
			errs := cfg.Validate()
			if tt.shouldError && len(errs) == 0 {
				t.Errorf("expected validation errors for %v, got none", tt.addresses)
			}
			if !tt.shouldError && len(errs) > 0 {
				t.Errorf("expected no validation errors for %v, got %v", tt.addresses, errs)
			}
		})
	}
}

func TestValidateBootstrapPeers(t *testing.T) {
	tests := []struct {
		name        string
		peers       []string
		shouldError bool
	}{
		{"valid", []string{"/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWHbcFcrGPXKUrHcxvd8MXEeUzRYyvY8fQcpEBxncSUwhj"}, false},
		{"none", nil, false},
		{"missing peer id", []string{"/ip4/127.0.0.1/tcp/4001"}, true},
		{"garbage", []string{"not-a-multiaddr"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Discovery.BootstrapPeers = tt.peers
			errs := cfg.Validate()
			if tt.shouldError && len(errs) == 0 {
				t.Errorf("expected validation errors for %v, got none", tt.peers)
			}
			if !tt.shouldError && len(errs) > 0 {
				t.Errorf("expected no validation errors for %v, got %v", tt.peers, errs)
			}
		})
	}
}

func TestValidateGateway(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.ListenAddr = "no-port"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected validation error for bad gateway addr")
	}

	cfg.Gateway.Enabled = false
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("disabled gateway should not be validated, got %v", errs)
	}
}

func TestDecodeStrictRejectsUnknownKeys(t *testing.T) {
	yaml := "node:\n  listen_addresses: [\"/ip4/0.0.0.0/tcp/4001\"]\n  nonsense: true\n"
	cfg := Default()
	err := DecodeStrict(strings.NewReader(yaml), cfg)
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeStrict(t *testing.T) {
	yaml := "node:\n  id: n1\n  data_dir: /tmp/muxnet\ngateway:\n  enabled: true\n  listen_addr: 127.0.0.1:7801\n"
	cfg := Default()
	if err := DecodeStrict(strings.NewReader(yaml), cfg); err != nil {
		t.Fatalf("DecodeStrict failed: %v", err)
	}
	if cfg.Node.ID != "n1" || cfg.Gateway.ListenAddr != "127.0.0.1:7801" {
		t.Errorf("unexpected decoded config: %+v", cfg)
	}
	// Defaults survive for keys the file does not set
	if len(cfg.Node.ListenAddresses) == 0 {
		t.Error("expected default listen addresses to survive decode")
	}
}
