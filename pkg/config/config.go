// Package config loads and validates the proxy configuration files.
package config

import (
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// DefaultPath is the configuration file looked up when no --config flag
// is given.
const DefaultPath = "proxy.json"

// Mapping is one entry of the optional IP-to-friendly-name table.
type Mapping struct {
	IPAddress    string `json:"IPAddress"`
	FriendlyName string `json:"FriendlyName"`
}

// Config holds the proxy server configuration. Immutable after Load.
type Config struct {
	ListenIPAddress   string    `json:"ListenIPAddress"`
	ListenPort        int       `json:"ListenPort"`
	IPAddressMappings []Mapping `json:"IPAddressMappings"`
}

// Load reads and parses the configuration file at configPath.
// A missing file is reported with the full resolved path so the operator
// knows exactly where the file was expected.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath
	}

	// Get absolute path for clearer error messages
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve config path")
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, errors.Errorf("configuration file not found at %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", absPath)
	}

	cfg := new(Config)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", absPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the listen endpoint. Mapping entries are validated by
// the names resolver, which drops bad ones with a warning instead of
// failing startup.
func (c *Config) Validate() error {
	if c.ListenIPAddress == "" {
		return errors.New("ListenIPAddress must not be empty")
	}
	if _, err := netip.ParseAddr(c.ListenIPAddress); err != nil {
		return errors.Wrapf(err, "ListenIPAddress %q is not an IP literal", c.ListenIPAddress)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.Errorf("ListenPort %d outside 1..65535", c.ListenPort)
	}
	return nil
}

// ListenAddr returns the listen endpoint in host:port form.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenIPAddress, strconv.Itoa(c.ListenPort))
}

// ListenIP returns the parsed listen address.
func (c *Config) ListenIP() net.IP {
	return net.ParseIP(c.ListenIPAddress)
}
