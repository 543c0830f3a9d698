// ABOUTME: Tests for YAML config loading, env expansion, defaults and validation
// ABOUTME: Covers duration parsing and required-field errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_MinimalConfig(t *testing.T) {
	path := writeConfig(t, `
division:
  id: div-engineering
server:
  http_addr: "127.0.0.1:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "div-engineering", cfg.Division.ID)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)

	// Defaults applied
	assert.Equal(t, 90*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Registry.ReplicationLagBound)
	assert.Equal(t, 200*time.Millisecond, cfg.Router.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Router.DeliverySLA)
	assert.Equal(t, 5, cfg.Router.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Breaker.BaseCooldown)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.MaxCooldown)
	assert.Equal(t, 300*time.Second, cfg.Tools.DefaultTimeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_DurationParsing(t *testing.T) {
	path := writeConfig(t, `
division:
  id: div-x
server:
  http_addr: ":8080"
database:
  path: "data/fabric.db"
registry:
  heartbeat_timeout: 30s
router:
  base_delay: 100ms
  max_delay: 2s
  delivery_sla: 8s
  max_attempts: 3
breaker:
  base_cooldown: 1s
  max_cooldown: 30s
tools:
  default_timeout: 45s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Router.BaseDelay)
	assert.Equal(t, 2*time.Second, cfg.Router.MaxDelay)
	assert.Equal(t, 8*time.Second, cfg.Router.DeliverySLA)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Breaker.BaseCooldown)
	assert.Equal(t, 45*time.Second, cfg.Tools.DefaultTimeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
division:
  id: div-x
server:
  http_addr: ":8080"
database:
  path: ":memory:"
registry:
  heartbeat_timeout: not-a-duration
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_timeout")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("FABRIC_TEST_SECRET", "s3cret")
	path := writeConfig(t, `
division:
  id: div-x
server:
  http_addr: ":8080"
database:
  path: ":memory:"
auth:
  jwt_secret: ${FABRIC_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoad_MissingDivisionID(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: ":memory:"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "division.id")
}

func TestLoad_BaseDelayExceedsMaxDelay(t *testing.T) {
	path := writeConfig(t, `
division:
  id: div-x
server:
  http_addr: ":8080"
database:
  path: ":memory:"
router:
  base_delay: 10s
  max_delay: 1s
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	require.Error(t, err)
}
