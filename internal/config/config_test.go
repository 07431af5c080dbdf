package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: onboarding-test\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "onboarding-test", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, "linear", cfg.Provisioning.BackoffStrategy)
	assert.Equal(t, 2*time.Second, cfg.Provisioning.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Escalation.PollInterval)
	assert.Len(t, cfg.Audit.InternalCIDRs, 4)
}

func TestLoadFileParsesYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.TrimSpace(`
database:
  dsn: postgres://onboarding@localhost/onboarding
provisioning:
  backoff_strategy: exponential
  backoff_base: 500ms
escalation:
  poll_interval: 30s
auth:
  roles:
    ops-1: OPERATIONS
    cmp-1: COMPLIANCE
`)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://onboarding@localhost/onboarding", cfg.Database.DSN)
	assert.Equal(t, "exponential", cfg.Provisioning.BackoffStrategy)
	assert.Equal(t, 500*time.Millisecond, cfg.Provisioning.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Escalation.PollInterval)
	assert.Equal(t, "OPERATIONS", cfg.Auth.Roles["ops-1"])
}

func TestLoadFileRejectsUnknownBackoff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provisioning:\n  backoff_strategy: fibonacci\n"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff_strategy")
}
