package config

import (
	"fmt"
	"net"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ValidationError represents a single validation error with context.
type ValidationError struct {
	Path    string // e.g., "discovery.bootstrap_peers[0]"
	Message string // e.g., "invalid multiaddr"
	Hint    string // e.g., "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>"
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s; %s", e.Path, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate performs validation of the entire config. It aggregates all
// errors and returns them, allowing the caller to print all issues at once.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateNode()...)
	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validateGateway()...)
	return errs
}

func (c *Config) validateNode() []error {
	var errs []error
	nc := c.Node

	if len(nc.ListenAddresses) == 0 {
		errs = append(errs, ValidationError{
			Path:    "node.listen_addresses",
			Message: "must not be empty",
		})
	}
	seen := make(map[string]bool)
	for i, addr := range nc.ListenAddresses {
		path := fmt.Sprintf("node.listen_addresses[%d]", i)
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "invalid multiaddr",
				Hint:    "expected /ip{4,6}/.../tcp/<port>",
			})
			continue
		}
		if _, err := manet.ToNetAddr(ma); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "not a network listen address",
			})
		}
		if seen[addr] {
			errs = append(errs, ValidationError{Path: path, Message: "duplicate address"})
		}
		seen[addr] = true
	}

	if nc.DataDir == "" {
		errs = append(errs, ValidationError{Path: "node.data_dir", Message: "must not be empty"})
	}
	if nc.MaxConnections < 0 {
		errs = append(errs, ValidationError{Path: "node.max_connections", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateDiscovery() []error {
	var errs []error
	for i, addr := range c.Discovery.BootstrapPeers {
		path := fmt.Sprintf("discovery.bootstrap_peers[%d]", i)
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "invalid multiaddr",
				Hint:    "expected /ip{4,6}/.../tcp/<port>/p2p/<peerID>",
			})
			continue
		}
		if _, err := ma.ValueForProtocol(multiaddr.P_P2P); err != nil {
			errs = append(errs, ValidationError{
				Path:    path,
				Message: "missing /p2p/<peerID> component",
			})
		}
	}
	if c.Discovery.ReconnectInterval < 0 {
		errs = append(errs, ValidationError{Path: "discovery.reconnect_interval", Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateGateway() []error {
	var errs []error
	if !c.Gateway.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Gateway.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Path:    "gateway.listen_addr",
			Message: "invalid host:port",
		})
	}
	return errs
}
