package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse/internal/config"
)

type testConfig struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs []string
		Pass  string
	}
}

func TestLoad(t *testing.T) {
	file := writeFile(t, `
http:
  port: 9090
redis:
  addrs:
    - "redis-1:6379"
    - "redis-2:6379"
`)

	var c testConfig
	c.HTTP.Port = 8080
	c.Redis.Pass = "default-pass"

	require.NoError(t, config.Load(file, &c))

	require.Equal(t, int32(9090), c.HTTP.Port, "file overrides the default")
	require.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, c.Redis.Addrs)
	require.Equal(t, "default-pass", c.Redis.Pass, "defaults survive when the file is silent")
}

func TestLoad_EnvOverride(t *testing.T) {
	file := writeFile(t, `
http:
  port: 9090
`)

	t.Setenv("HTTP_PORT", "7070")

	var c testConfig
	require.NoError(t, config.Load(file, &c))
	require.Equal(t, int32(7070), c.HTTP.Port, "environment overrides the file")
}

func TestLoad_MissingFile(t *testing.T) {
	var c testConfig
	require.Error(t, config.Load(filepath.Join(t.TempDir(), "nope.yaml"), &c))
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}
