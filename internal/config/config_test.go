package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"REDIS_ADDR", "NATS_URL", "MEDIAMTX_API_URL", "MEDIAMTX_USER", "MEDIAMTX_PASSWORD",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
db:
  user: relay
  name: ts_relay
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.Server.ListenAddr)
	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, "5432", cfg.DB.Port)
	assert.Equal(t, "disable", cfg.DB.SSLMode)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "relay.publications", cfg.NATS.Subject)
	assert.Equal(t, 5000, cfg.MediaMTX.TimeoutMS)
	assert.Equal(t, 3, cfg.MediaMTX.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.SampleInterval())
	assert.Equal(t, 10*time.Second, cfg.ViewerPollInterval())
	assert.Equal(t, 5*time.Second, cfg.StopGrace())
	assert.Equal(t, time.Minute, cfg.BackoffCap())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  listen_addr: ":9090"
db:
  user: relay
  name: ts_relay
  host: db.internal
relay:
  sample_interval_ms: 2000
  backoff_cap_ms: 30000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 2*time.Second, cfg.SampleInterval())
	assert.Equal(t, 30*time.Second, cfg.BackoffCap())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_HOST", "env-host")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("MEDIAMTX_API_URL", "http://mtx:9997")

	path := writeConfig(t, `
db:
  user: relay
  name: ts_relay
  host: file-host
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.DB.Host)
	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, "http://mtx:9997", cfg.MediaMTX.APIURL)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestLoadInvalidYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "db: [not a map")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestValidateRequiresDBIdentity(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeConfig(t, "db:\n  name: ts_relay\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_USER")

	_, err = Load(writeConfig(t, "db:\n  user: relay\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_NAME")
}

func TestDSN(t *testing.T) {
	clearEnv(t)

	cfg := defaults()
	cfg.DB.User = "relay"
	cfg.DB.Password = "pw"
	cfg.DB.Name = "ts_relay"

	assert.Equal(t, "postgres://relay:pw@localhost:5432/ts_relay?sslmode=disable", cfg.DSN())
}
