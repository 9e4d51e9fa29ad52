package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
listen: ":3240"
admin_api: "127.0.0.1:3241"
log_level: debug
devices:
  - busid: "1-1"
    vendor_id: 0x1d6b
    product_id: 0x0002
    class: hid-keyboard
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":3240", cfg.Listen)
	assert.Equal(t, "127.0.0.1:3241", cfg.AdminAPI)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "1-1", cfg.Devices[0].BusID)
	assert.Equal(t, "hid-keyboard", cfg.Devices[0].Class)
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "server.toml", `
listen = ":3240"
log_level = "warn"

[[devices]]
busid = "1-2"
vendor_id = 1234
product_id = 5678
class = "cdc-acm"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "1-2", cfg.Devices[0].BusID)
}

func TestLoadUnrecognizedExtension(t *testing.T) {
	path := writeTemp(t, "server.json", `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateDuplicateBusID(t *testing.T) {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{BusID: "1-1"}, {BusID: "1-1"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateEmptyBusID(t *testing.T) {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{BusID: ""}}
	assert.Error(t, cfg.Validate())
}

func TestValidateMissingListen(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())
}
