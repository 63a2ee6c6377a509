// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConnConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
}

type testAgentConfig struct {
	Conn     testConnConfig `koanf:"conn"`
	LogLevel string         `koanf:"log_level"`
}

func testDefaults() testAgentConfig {
	return testAgentConfig{
		Conn: testConnConfig{
			URL:            "wss://control-service:8443/agent",
			ReconnectDelay: 5 * time.Second,
		},
		LogLevel: "info",
	}
}

func TestLoader_StructDefaults(t *testing.T) {
	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), ""))

	var cfg testAgentConfig
	require.NoError(t, loader.Unmarshal("", &cfg))

	assert.Equal(t, "wss://control-service:8443/agent", cfg.Conn.URL)
	assert.Equal(t, 5*time.Second, cfg.Conn.ReconnectDelay)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoader_ConfigFileOverridesDefaults(t *testing.T) {
	configPath := filepath.Join("testdata", "test_config.yaml")

	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), configPath))

	var cfg testAgentConfig
	require.NoError(t, loader.Unmarshal("", &cfg))

	assert.Equal(t, "wss://control-service-staging:8443/agent", cfg.Conn.URL)
	assert.Equal(t, 30*time.Second, cfg.Conn.ReconnectDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoader_EnvVarsOverrideConfigFile(t *testing.T) {
	configPath := filepath.Join("testdata", "test_config.yaml")

	os.Setenv("AGENT_TEST__LOG_LEVEL", "warn")
	defer os.Unsetenv("AGENT_TEST__LOG_LEVEL")

	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), configPath))

	var cfg testAgentConfig
	require.NoError(t, loader.Unmarshal("", &cfg))

	assert.Equal(t, "warn", cfg.LogLevel)
	// Config file value preserved when no env override.
	assert.Equal(t, "wss://control-service-staging:8443/agent", cfg.Conn.URL)
}

func TestLoader_MissingConfigFileFails(t *testing.T) {
	loader := NewLoader("AGENT_TEST")
	err := loader.LoadWithDefaults(testDefaults(), "nonexistent.yaml")
	assert.Error(t, err)
}

func TestLoader_FlagsOverrideEnvVars(t *testing.T) {
	os.Setenv("AGENT_TEST__LOG_LEVEL", "warn")
	defer os.Unsetenv("AGENT_TEST__LOG_LEVEL")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "log level")
	require.NoError(t, flags.Parse([]string{"--log-level=error"}))

	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), ""))
	require.NoError(t, loader.LoadFlags(flags, map[string]string{"log-level": "log_level"}))

	var cfg testAgentConfig
	require.NoError(t, loader.Unmarshal("", &cfg))

	assert.Equal(t, "error", cfg.LogLevel)
}

func TestLoader_FlagsNotSetDoNotOverride(t *testing.T) {
	os.Setenv("AGENT_TEST__LOG_LEVEL", "warn")
	defer os.Unsetenv("AGENT_TEST__LOG_LEVEL")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "log level")
	require.NoError(t, flags.Parse([]string{}))

	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), ""))
	require.NoError(t, loader.LoadFlags(flags, map[string]string{"log-level": "log_level"}))

	var cfg testAgentConfig
	require.NoError(t, loader.Unmarshal("", &cfg))

	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoader_UnmarshalAndValidate(t *testing.T) {
	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), ""))

	var cfg testAgentConfig
	require.NoError(t, loader.UnmarshalAndValidate("", &cfg))
}

func TestLoader_UnmarshalAndValidate_Fails(t *testing.T) {
	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.Set("conn.url", ""))

	var cfg testAgentConfig
	err := loader.UnmarshalAndValidate("", &cfg)
	assert.Error(t, err)
}

func TestLoader_Raw(t *testing.T) {
	loader := NewLoader("AGENT_TEST")
	require.NoError(t, loader.LoadWithDefaults(testDefaults(), ""))

	raw := loader.Raw()
	require.NotNil(t, raw)

	conn, ok := raw["conn"].(map[string]any)
	require.True(t, ok, "expected conn key in config map, got: %v", raw)
	assert.Equal(t, "wss://control-service:8443/agent", conn["url"])
}
