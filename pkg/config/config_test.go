package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDefaults(t *testing.T) {
	t.Setenv(AdbPortEnv, "")
	c, err := Parse([]byte("debug-port-base: 9000\ntimeout: 2s\n"))
	require.NoError(t, err)
	assert.Equal(t, 9000, c.DebugPortBase)
	assert.Equal(t, 2*time.Second, c.Timeout)
	assert.Equal(t, DefaultAdbPort, c.AdbPort)
	assert.Equal(t, DefaultSelectedDebugPort, c.SelectedDebugPort)
	assert.True(t, c.ClientSupport)
}

func TestEnvironmentOverridesAdbPort(t *testing.T) {
	t.Setenv(AdbPortEnv, "5555")
	c, err := Parse([]byte("adb-port: 6000\n"))
	require.NoError(t, err)
	assert.Equal(t, 5555, c.AdbPort)
}

func TestInvalidEnvironmentPortIgnored(t *testing.T) {
	t.Setenv(AdbPortEnv, "not-a-port")
	_, ok := AdbPortFromEnv()
	assert.False(t, ok)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("timeout: [1, 2"))
	require.Error(t, err)
}
