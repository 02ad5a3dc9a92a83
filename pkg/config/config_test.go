package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	p := Default().Sync.Policy()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 200*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.Timeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nego.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  sweep_interval: 5m
sync:
  attempts: 5
gesture:
  threshold: 8
logging:
  format: json
`), 0o600))
	t.Setenv("NEGO_SECRET", "s3cret")
	t.Setenv("NEGO_SYNC_ATTEMPTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Server.Sweep())
	assert.Equal(t, "nego.sqlite3", cfg.Server.DatabasePath, "unset keys keep defaults")
	assert.Equal(t, "s3cret", cfg.Server.Secret)
	assert.Equal(t, 2, cfg.Sync.Attempts, "env wins over file")
	assert.Equal(t, 8.0, cfg.Gesture.Threshold)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestValidateRejects(t *testing.T) {
	c := Default()
	c.Sync.Timeout = "soon"
	assert.ErrorContains(t, c.Validate(), "sync.timeout")

	c = Default()
	c.Sync.Attempts = 0
	assert.Error(t, c.Validate())

	c = Default()
	c.Logging.Format = "xml"
	assert.Error(t, c.Validate())

	c = Default()
	c.Server.SweepInterval = "0s"
	assert.ErrorContains(t, c.Validate(), "server.sweep_interval")

	c = Default()
	c.Server.PingInterval = "0s"
	assert.ErrorContains(t, c.Validate(), "server.ping_interval")

	c = Default()
	c.Sync.BaseDelay = "-1s"
	assert.ErrorContains(t, c.Validate(), "sync.base_delay")
}
