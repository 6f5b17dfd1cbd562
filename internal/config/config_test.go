package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, StorageDriverBolt, cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, cfg.Motion.SettleMargin)
	assert.Equal(t, 256, cfg.Motion.UpdateBuffer)
	assert.Equal(t, 100*time.Millisecond, cfg.Modbus.DefaultPollInterval)
	assert.Equal(t, []string{"configs/beamlines"}, cfg.Devices.SearchPaths)
}

func TestLoadUsersAndEnvOverride(t *testing.T) {
	t.Setenv("OBC_SERVER_HTTP_PORT", "7000")
	t.Setenv("OBC_MOTION_SETTLE_MARGIN", "3s")

	cfg, err := Load(writeConfig(t, `
storage:
  driver: postgres
auth:
  users:
    - username: alice
      password_hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
      role: operator
devices:
  files: [bl7.yaml]
`))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Motion.SettleMargin)
	assert.Equal(t, StorageDriverPostgres, cfg.Storage.Driver)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "alice", cfg.Auth.Users[0].Username)
	assert.Equal(t, "operator", cfg.Auth.Users[0].Role)
	assert.Equal(t, []string{"bl7.yaml"}, cfg.Devices.Files)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Load(writeConfig(t, "mqtt:\n  qos: 3\n"))
	assert.ErrorContains(t, err, "mqtt.qos")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "OBC_TEST_SECRET"}
	t.Setenv("OBC_TEST_SECRET", "")
	assert.Equal(t, devSecret, a.GetJWTSecret())
	assert.False(t, a.IsProductionReady())

	t.Setenv("OBC_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.True(t, a.IsProductionReady())
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Database: "bl", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/bl?sslmode=disable", d.DSN())
}
