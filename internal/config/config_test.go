package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesTemplate(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	SetPath(p)
	defer SetPath(DefaultPath)

	_, err := ReadConfig()
	require.ErrorIs(t, err, ErrTemplateCreated)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mqtt_port")
	assert.Contains(t, string(data), "\n    \"broker\"")

	// the template itself is a valid configuration
	c, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1883, c.Broker.MqttPort)
	assert.Equal(t, 8083, c.Broker.WsPort)
	assert.Equal(t, DriverMongo, c.RecordStore.Driver)
}

func TestReadConfigReportsTemplateFailure(t *testing.T) {
	p := filepath.Join(t.TempDir(), "missing", "config.json")
	SetPath(p)
	defer SetPath(DefaultPath)

	_, err := ReadConfig()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTemplateCreated)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadConfigMergesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{
		"broker": {"mqtt_port": 11883, "ws_port": 18083},
		"record_store": {"driver": "memory"},
		"devices": [{"sn": "D1", "secret": "s", "openid": "U1"}]
	}`), 0644))
	SetPath(p)
	defer SetPath(DefaultPath)

	c, err := GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 11883, c.Broker.MqttPort)
	assert.Equal(t, "5s", c.Broker.ResolveTimeout)
	assert.Equal(t, 8082, c.Admin.Port)
	require.Len(t, c.Devices, 1)
	assert.Equal(t, "U1", c.Devices[0].OpenID)
}

func TestReadConfigInvalidJSON(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte("{"), 0644))
	SetPath(p)
	defer SetPath(DefaultPath)

	_, err := ReadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"same ports", func(c *Config) { c.Broker.WsPort = c.Broker.MqttPort }, false},
		{"port out of range", func(c *Config) { c.Broker.MqttPort = 70000 }, false},
		{"admin collides", func(c *Config) { c.Admin.Port = c.Broker.WsPort }, false},
		{"admin disabled collides", func(c *Config) { c.Admin.Enabled = false; c.Admin.Port = c.Broker.WsPort }, true},
		{"unknown driver", func(c *Config) { c.RecordStore.Driver = "sqlite" }, false},
		{"wxcloud without credentials", func(c *Config) { c.RecordStore.Driver = DriverWxCloud }, false},
		{"wxcloud with credentials", func(c *Config) {
			c.RecordStore.Driver = DriverWxCloud
			c.WxCloud.AppID, c.WxCloud.Secret, c.WxCloud.Env = "app", "secret", "env"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}
