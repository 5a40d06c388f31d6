package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fpemud/virt-service/pkg/addr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"paths": {"run_dir": "/tmp/vs"}, "timeouts": {"idle": "2m"}}`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vs", cfg.Paths.RunDir)
	assert.Equal(t, "/tmp/vs/state.db", cfg.StateDBPath())
	assert.Equal(t, "/run/virt-service.sock", cfg.StatusSocketPath())
	assert.Equal(t, "/usr/sbin/dnsmasq", cfg.Paths.DnsmasqPath)
	assert.Equal(t, BusSystem, cfg.Bus.Type)
	assert.Equal(t, 6, cfg.Network.MaxPerUser)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.GetIdle())
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, `{"bus": {"type": "session"}, "paths": {"status_socket": "none"}}`)
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BusSession, cfg.Bus.Type)
	assert.Equal(t, "", cfg.StatusSocketPath())
}

func TestLoadFromRejectsBadJSON(t *testing.T) {
	_, err := LoadFrom(writeConfig(t, `{"paths": `))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{"relative run dir", func(c *Config) { c.Paths.RunDir = "run" }, "run_dir must be absolute"},
		{"bad bus", func(c *Config) { c.Bus.Type = "tcp" }, "bus: type"},
		{"bad oui", func(c *Config) { c.Network.GuestOUI = "zz:00:01" }, "guest_oui"},
		{"multicast oui", func(c *Config) { c.Network.BridgeOUI = "01:00:5e" }, "multicast"},
		{"same oui", func(c *Config) { c.Network.BridgeOUI = c.Network.GuestOUI }, "must differ"},
		{"first octet", func(c *Config) { c.Network.FirstOctet = 240 }, "first_octet"},
		{"quota", func(c *Config) { c.Network.MaxPerUser = -1 }, "max_networks_per_user"},
		{"idle format", func(c *Config) { c.Timeouts.Idle = "soon" }, "invalid duration"},
		{"idle negative", func(c *Config) { c.Timeouts.Idle = "-1s" }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestAllocatorFromConfig(t *testing.T) {
	a, err := DefaultConfig().Allocator()
	require.NoError(t, err)
	assert.Equal(t, addr.New(), a)

	cfg := DefaultConfig()
	cfg.Network.GuestOUI = "52:54:00"
	cfg.Network.FirstOctet = 172
	a, err = cfg.Allocator()
	require.NoError(t, err)

	mac, err := a.MAC(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "52:54:00:00:01:01", mac.String())
	ip, err := a.IP(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "172.0.1.2", ip.String())
}
