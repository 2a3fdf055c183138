package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"greybridge/codec"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greybridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 5*time.Second, cfg.IdleTimeout)
	require.Equal(t, 30*time.Second, cfg.InvocationTimeout)
	require.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
}

func TestLoadPartialOverride(t *testing.T) {
	path := writeConfig(t, `
app = " notes "
idle_timeout = "750ms"
etcd = ["10.0.0.1:2379", " ", "10.0.0.2:2379"]
workers = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "notes", cfg.App)
	require.Equal(t, 750*time.Millisecond, cfg.IdleTimeout)
	require.Equal(t, []string{"10.0.0.1:2379", "10.0.0.2:2379"}, cfg.Etcd)
	require.Equal(t, 2, cfg.Workers)

	// Untouched keys keep their defaults.
	require.Equal(t, Default().InvocationTimeout, cfg.InvocationTimeout)
	require.Equal(t, Default().Codec, cfg.Codec)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "cmd", "greybridgectl", "ex.config.toml"))
	require.NoError(t, err)
	require.Equal(t, "mail", cfg.App)
	require.Equal(t, "127.0.0.1:7401", cfg.DiagAddr)
	require.Empty(t, cfg.Etcd)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeConfig(t, `idle_timeout = "soon"`))
	require.ErrorContains(t, err, "idle_timeout")

	_, err = Load(writeConfig(t, `colour = "grey"`))
	require.ErrorContains(t, err, "unknown key")

	_, err = Load(writeConfig(t, `codec = "xml"`))
	require.ErrorContains(t, err, "unknown codec")

	_, err = Load(writeConfig(t, `
idle_poll_min = "100ms"
idle_poll_max = "10ms"
`))
	require.ErrorContains(t, err, "idle_poll_max")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvApp, "calendar")
	t.Setenv(EnvEtcd, "a:2379,b:2379")
	t.Setenv(EnvInvocationTimeout, "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "calendar", cfg.App)
	require.Equal(t, []string{"a:2379", "b:2379"}, cfg.Etcd)
	require.Equal(t, 2*time.Second, cfg.InvocationTimeout)

	t.Setenv(EnvIdleTimeout, "never")
	_, err = Load("")
	require.Error(t, err)
}
