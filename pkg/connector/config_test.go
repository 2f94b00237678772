package connector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

func TestLoadRegistryFile(t *testing.T) {
	t.Setenv("WX_API_KEY", "secret-123")

	path := filepath.Join(t.TempDir(), "connectors.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"connectors": [
			{
				"name": "noaa-weather",
				"type": "weather-alerts",
				"enabled": true,
				"pollIntervalMs": 60000,
				"providerConfig": {
					"url": "https://wx.example.com/alerts",
					"api_key": "${WX_API_KEY}"
				}
			},
			{"name": "dot-traffic", "type": "traffic-incidents", "enabled": false}
		]
	}`), 0o600))

	registry, err := LoadRegistryFile(path)
	require.NoError(t, err)
	require.Len(t, registry, 2)

	wx := registry[0]
	assert.Equal(t, "noaa-weather", wx.Name)
	assert.Equal(t, time.Minute, wx.PollInterval())
	assert.Equal(t, "secret-123", wx.Provider["api_key"], "${VAR} expanded from the environment")
	assert.Equal(t, domain.StreamExternalSignals, wx.Stream())
	assert.False(t, registry[1].Enabled)
}

func TestLoadRegistryFileBareArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`[{"name": "c1", "type": "weather-alerts", "enabled": true}]`), 0o600))

	registry, err := LoadRegistryFile(path)
	require.NoError(t, err)
	require.Len(t, registry, 1)
	assert.Equal(t, "c1", registry[0].Name)
}

func TestLoadRegistryFileRejectsIncompleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name": "c1", "enabled": true}]`), 0o600))

	_, err := LoadRegistryFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestLoadRegistryEnv(t *testing.T) {
	t.Setenv("ENABLED_CONNECTORS", "noaa-weather, dot-traffic")
	t.Setenv("CONNECTOR_NOAA_WEATHER_TYPE", "weather-alerts")
	t.Setenv("CONNECTOR_NOAA_WEATHER_POLL_INTERVAL_MS", "120000")
	t.Setenv("CONNECTOR_NOAA_WEATHER_URL", "https://wx.example.com/alerts")
	t.Setenv("CONNECTOR_DOT_TRAFFIC_TYPE", "traffic-incidents")
	t.Setenv("CONNECTOR_DOT_TRAFFIC_OUTPUT_STREAM", "raw-input-signals")

	registry, err := LoadRegistryEnv()
	require.NoError(t, err)
	require.Len(t, registry, 2)

	byName := map[string]Config{}
	for _, cfg := range registry {
		byName[cfg.Name] = cfg
	}

	wx := byName["noaa-weather"]
	assert.Equal(t, "weather-alerts", wx.Type)
	assert.Equal(t, 2*time.Minute, wx.PollInterval())
	assert.Equal(t, "https://wx.example.com/alerts", wx.Provider["url"], "unknown suffixes land in providerConfig")
	assert.True(t, wx.Enabled)

	assert.Equal(t, "raw-input-signals", byName["dot-traffic"].Stream())
}

func TestLoadRegistryEnvEmpty(t *testing.T) {
	t.Setenv("ENABLED_CONNECTORS", "")
	registry, err := LoadRegistryEnv()
	require.NoError(t, err)
	assert.Empty(t, registry)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "c1", Type: "weather-alerts"}
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, time.Minute, cfg.LeaseTTL())
	assert.Equal(t, 3, cfg.Retries())
	assert.Equal(t, domain.StreamExternalSignals, cfg.Stream())
}
