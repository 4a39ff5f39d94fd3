package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultListen, cfg.Listen)
	assert.Equal(t, defaultTimezone, cfg.Timezone)
	assert.Equal(t, defaultMaxOccurrence, cfg.MaxOccurrencesPerEvent)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
listen: ":9090"
users:
  - username: alice
    password: s3cret
subscriptions:
  - name: holidays
    url: https://example.com/holidays.ics
    color: "#00aa00"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, defaultRefreshCron, cfg.RefreshCron)
	assert.Equal(t, defaultDatabasePath, cfg.DatabasePath)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, "alice", cfg.Users[0].TenantID)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "holidays", cfg.Subscriptions[0].ID)
	assert.Equal(t, DefaultTenant, cfg.Subscriptions[0].TenantID)
	assert.True(t, cfg.AuthEnabled())
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Timezone = "Europe/Brussels"
	cfg.Users = []UserConfig{{Username: "bob", Password: "pw", TenantID: "acme"}}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRequiresPathAndConfig(t *testing.T) {
	assert.Error(t, Save("", DefaultConfig()))
	assert.Error(t, Save(filepath.Join(t.TempDir(), "c.yaml"), nil))

	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshCron = "every now and then"
	cfg.Users = []UserConfig{
		{Username: "a", Password: "x"},
		{Username: "a", Password: "y"},
		{Username: "", Password: "z"},
	}
	cfg.Subscriptions = []SubscriptionConfig{{ID: "empty"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh")
	assert.Contains(t, err.Error(), "duplicate username a")
	assert.Contains(t, err.Error(), "username and password are required")
	assert.Contains(t, err.Error(), "url is required for empty")
}

func TestValidateRejectsDuplicateSubscriptionIDs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Subscriptions = []SubscriptionConfig{
		{URL: "https://example.com/team.ics", TenantID: "alice"},
		{URL: "https://example.com/team.ics", TenantID: "bob"},
	}
	cfg.Normalize()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate id https://example.com/team.ics")

	cfg.Subscriptions[1].ID = "bob-team"
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("RELCAL_LISTEN", ":7000")
	t.Setenv("RELCAL_TIMEZONE", "Asia/Seoul")
	t.Setenv("RELCAL_LOG_LEVEL", "DEBUG")
	t.Setenv("RELCAL_MAX_OCCURRENCES_PER_EVENT", "oops")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, defaultMaxOccurrence, cfg.MaxOccurrencesPerEvent)
}
