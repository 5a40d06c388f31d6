// Package config loads the daemon configuration from a JSON file at
// /etc/virt-service/config.json (overridable via VIRT_SERVICE_CONFIG).
// A missing file means built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/fpemud/virt-service/pkg/network"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/virt-service/config.json"

	// ConfigEnvVar overrides the config file location
	ConfigEnvVar = "VIRT_SERVICE_CONFIG"

	BusSystem  = "system"
	BusSession = "session"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Bus      BusConfig      `json:"bus"`
	Network  NetworkConfig  `json:"network"`
	Timeouts TimeoutsConfig `json:"timeouts"`
}

// PathsConfig defines filesystem locations
type PathsConfig struct {
	RunDir       string `json:"run_dir"`       // Scratch tree for dnsmasq and smbd
	StateDB      string `json:"state_db"`      // Crash-recovery journal, relative to run_dir if not absolute
	StatusSocket string `json:"status_socket"` // "none" disables the status socket
	DnsmasqPath  string `json:"dnsmasq_path"`
	SmbdPath     string `json:"smbd_path"`
}

// BusConfig selects the message bus
type BusConfig struct {
	Type string `json:"type"` // "system" or "session"
}

// NetworkConfig defines the address plan and quotas
type NetworkConfig struct {
	GuestOUI   string `json:"guest_oui"`  // First three octets of guest MACs
	BridgeOUI  string `json:"bridge_oui"` // First three octets of nat bridge MACs
	FirstOctet int    `json:"first_octet"`
	MaxPerUser int    `json:"max_networks_per_user"`
	// IgnoreInterfaces lists host interface prefixes never bridged
	IgnoreInterfaces []string `json:"ignore_interfaces"`
}

// TimeoutsConfig holds duration strings such as "30s"
type TimeoutsConfig struct {
	// Idle is how long the daemon lingers with no live resources before
	// exiting. "0s" keeps it running forever.
	Idle string `json:"idle"`
}

// GetIdle returns the idle timeout. Validate has checked the format.
func (t *TimeoutsConfig) GetIdle() time.Duration {
	d, err := time.ParseDuration(t.Idle)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", t.Idle, err))
	}
	return d
}

// Load reads the file named by VIRT_SERVICE_CONFIG or the default path
func Load() (*Config, error) {
	path := os.Getenv(ConfigEnvVar)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFrom(path)
}

// LoadFrom reads configuration from path. Empty fields take defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			RunDir:       "/run/virt-service",
			StateDB:      "state.db",
			StatusSocket: "/run/virt-service.sock",
			DnsmasqPath:  "/usr/sbin/dnsmasq",
			SmbdPath:     "/usr/sbin/smbd",
		},
		Bus: BusConfig{
			Type: BusSystem,
		},
		Network: NetworkConfig{
			GuestOUI:         "00:50:01",
			BridgeOUI:        "00:50:00",
			FirstOctet:       10,
			MaxPerUser:       network.DefaultMaxPerUser,
			IgnoreInterfaces: []string{"docker", "virbr", "veth"},
		},
		Timeouts: TimeoutsConfig{
			Idle: "30s",
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Paths.RunDir == "" {
		c.Paths.RunDir = d.Paths.RunDir
	}
	if c.Paths.StateDB == "" {
		c.Paths.StateDB = d.Paths.StateDB
	}
	if c.Paths.StatusSocket == "" {
		c.Paths.StatusSocket = d.Paths.StatusSocket
	}
	if c.Paths.DnsmasqPath == "" {
		c.Paths.DnsmasqPath = d.Paths.DnsmasqPath
	}
	if c.Paths.SmbdPath == "" {
		c.Paths.SmbdPath = d.Paths.SmbdPath
	}

	if c.Bus.Type == "" {
		c.Bus.Type = d.Bus.Type
	}

	if c.Network.GuestOUI == "" {
		c.Network.GuestOUI = d.Network.GuestOUI
	}
	if c.Network.BridgeOUI == "" {
		c.Network.BridgeOUI = d.Network.BridgeOUI
	}
	if c.Network.FirstOctet == 0 {
		c.Network.FirstOctet = d.Network.FirstOctet
	}
	if c.Network.MaxPerUser == 0 {
		c.Network.MaxPerUser = d.Network.MaxPerUser
	}
	if c.Network.IgnoreInterfaces == nil {
		c.Network.IgnoreInterfaces = d.Network.IgnoreInterfaces
	}

	if c.Timeouts.Idle == "" {
		c.Timeouts.Idle = d.Timeouts.Idle
	}
}

// Validate checks the whole configuration
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Paths.RunDir) {
		return fmt.Errorf("paths: run_dir must be absolute, got %q", c.Paths.RunDir)
	}
	if c.Paths.StateDB == "" {
		return fmt.Errorf("paths: state_db cannot be empty")
	}
	if c.Paths.DnsmasqPath == "" || c.Paths.SmbdPath == "" {
		return fmt.Errorf("paths: dnsmasq_path and smbd_path cannot be empty")
	}

	if c.Bus.Type != BusSystem && c.Bus.Type != BusSession {
		return fmt.Errorf("bus: type must be %q or %q, got %q", BusSystem, BusSession, c.Bus.Type)
	}

	if _, err := parseOUI(c.Network.GuestOUI); err != nil {
		return fmt.Errorf("network: guest_oui: %w", err)
	}
	if _, err := parseOUI(c.Network.BridgeOUI); err != nil {
		return fmt.Errorf("network: bridge_oui: %w", err)
	}
	if c.Network.GuestOUI == c.Network.BridgeOUI {
		return fmt.Errorf("network: guest_oui and bridge_oui must differ")
	}
	if c.Network.FirstOctet < 1 || c.Network.FirstOctet > 223 {
		return fmt.Errorf("network: first_octet must be 1-223, got %d", c.Network.FirstOctet)
	}
	if c.Network.MaxPerUser < 1 {
		return fmt.Errorf("network: max_networks_per_user must be positive, got %d", c.Network.MaxPerUser)
	}

	d, err := time.ParseDuration(c.Timeouts.Idle)
	if err != nil {
		return fmt.Errorf("timeouts: idle: invalid duration %q: %w", c.Timeouts.Idle, err)
	}
	if d < 0 {
		return fmt.Errorf("timeouts: idle cannot be negative")
	}
	return nil
}

// StatusSocketPath returns the status socket path, or "" when disabled
func (c *Config) StatusSocketPath() string {
	if c.Paths.StatusSocket == "none" {
		return ""
	}
	return c.Paths.StatusSocket
}

// StateDBPath resolves the journal location
func (c *Config) StateDBPath() string {
	if filepath.IsAbs(c.Paths.StateDB) {
		return c.Paths.StateDB
	}
	return filepath.Join(c.Paths.RunDir, c.Paths.StateDB)
}

// Allocator builds the address allocator for the configured plan
func (c *Config) Allocator() (*addr.Allocator, error) {
	guest, err := parseOUI(c.Network.GuestOUI)
	if err != nil {
		return nil, err
	}
	bridge, err := parseOUI(c.Network.BridgeOUI)
	if err != nil {
		return nil, err
	}
	return &addr.Allocator{
		GuestOUI:   guest,
		BridgeOUI:  bridge,
		FirstOctet: byte(c.Network.FirstOctet),
	}, nil
}

func parseOUI(s string) ([3]byte, error) {
	var oui [3]byte
	hw, err := net.ParseMAC(s + ":00:00:00")
	if err != nil {
		return oui, fmt.Errorf("invalid OUI %q", s)
	}
	if hw[0]&0x01 != 0 {
		return oui, fmt.Errorf("OUI %q is multicast", s)
	}
	copy(oui[:], hw[:3])
	return oui, nil
}
