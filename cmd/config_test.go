package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisy/relaystats/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaystats.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
listen = ":9090"
interface = "wlan0"
relay_ports = [443, 8443]
interval = 2
autostart = true
log_format = "json"

[params]
max_clients = 10
limit_upstream_bytes_per_second = 1000000
`)

	cfg, err := loadConfig([]string{"-config", path}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "wlan0", cfg.Interface)
	assert.Equal(t, []uint16{443, 8443}, cfg.RelayPorts)
	assert.Equal(t, 2, cfg.RefreshInterval)
	assert.True(t, cfg.Autostart)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, model.Params{MaxClients: 10, LimitUpstreamBytesPerSecond: 1000000}, cfg.Params)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := writeConfig(t, `
relay_ports = [443]
[params]
max_clients = 10
`)

	cfg, err := loadConfig([]string{
		"-config", path,
		"-listen", ":7000",
		"-interval", "5",
		"-max-clients", "3",
		"-ports", "1000, 2000",
		"-log-level", "debug",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, 5, cfg.RefreshInterval)
	assert.Equal(t, 3, cfg.Params.MaxClients)
	assert.Equal(t, []uint16{1000, 2000}, cfg.RelayPorts)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig([]string{"-ports", "443"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 1, cfg.RefreshInterval)
	assert.Equal(t, 2, cfg.Params.MaxClients)
	assert.False(t, cfg.Autostart)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"missing explicit file", []string{"-config", "nope.toml", "-ports", "443"}},
		{"invalid toml", []string{"-config", writeConfig(t, "relay_ports = [")}},
		{"no ports", nil},
		{"bad port", []string{"-ports", "443,http"}},
		{"zero port", []string{"-ports", "0"}},
		{"invalid params", []string{"-ports", "443", "-max-clients", "1000"}},
		{"unknown flag", []string{"-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.args, io.Discard)
			assert.Error(t, err)
		})
	}
}
