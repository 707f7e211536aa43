package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/gate"
	"github.com/fentz26/gatekeep/internal/models"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.DryRun)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Equal(t, gate.MostRecent, cfg.Approval.Ambiguity)
	assert.Equal(t, 10, cfg.RateLimit.Policies["email"].MaxPerWindow)
	assert.Equal(t, 24*time.Hour, cfg.RateLimit.Policies["social"].Window)
	assert.Equal(t, "email", cfg.RateLimit.Categories["email_reply"])
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("GATEKEEP_DB", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/gk.db
dry_run: false
keywords:
  high: [outage]
rate_limit:
  policies:
    email: {max_per_window: 3, window: 30m}
approval:
  ambiguity: reject
watchers:
  - name: drop
    type: dropdir
    path: /var/spool/gatekeep
    interval: 15s
    entry_stage: inbox
    filter:
      exclude: [noreply@]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/gk.db", cfg.DBPath)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, []string{"outage"}, cfg.Keywords.High)
	assert.NotEmpty(t, cfg.Keywords.Medium, "unset tiers keep their defaults")
	assert.Equal(t, 3, cfg.RateLimit.Policies["email"].MaxPerWindow)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.Policies["email"].Window)
	assert.Equal(t, 5, cfg.RateLimit.Policies["social"].MaxPerWindow)
	assert.Equal(t, gate.Reject, cfg.Approval.Ambiguity)

	require.Len(t, cfg.Watchers, 1)
	w := cfg.Watchers[0]
	assert.Equal(t, 15*time.Second, w.Loop.Interval)
	assert.Equal(t, models.StageInbox, w.Loop.EntryStage)
	assert.Equal(t, []string{"noreply@"}, w.Filter.Exclude)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
approval:
  ambiguity: first
watchers:
  - name: x
    type: imap
    fetch_timeout: 10m
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguity")
	assert.Contains(t, err.Error(), "unknown type")
	assert.Contains(t, err.Error(), "fetch_timeout")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{
		"GATEKEEP_DB":            "/data/g.db",
		"GATEKEEP_LISTEN":        "0.0.0.0:9000",
		"GATEKEEP_LOG_LEVEL":     "debug",
		"GATEKEEP_DRY_RUN":       "false",
		"GATEKEEP_REDIS_ADDR":    "redis:6379",
		"GATEKEEP_HIGH_KEYWORDS": "fire, breach ,",
	})))
	assert.Equal(t, "/data/g.db", cfg.DBPath)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, "redis:6379", cfg.RateLimit.Redis.Addr)
	assert.Equal(t, []string{"fire", "breach"}, cfg.Keywords.High)

	assert.Error(t, Default().ApplyEnv(envMap(map[string]string{"GATEKEEP_DRY_RUN": "maybe"})))
	assert.NoError(t, Default().ApplyEnv(noEnv))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Listen = "127.0.0.1:9999"
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", got.Listen)
	assert.Equal(t, cfg.RateLimit.Policies, got.RateLimit.Policies)
}
