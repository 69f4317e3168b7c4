package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/pkg/types"
)

func TestLoadConfig_DefaultHostIsLocalhost(t *testing.T) {
	t.Setenv("MEMOIR_HOST", "")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host,
		"Default host must be 127.0.0.1 for security")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("MEMOIR_CONFIG_FILE", "")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "sqlite", cfg.Storage.VectorIndex, "vector index follows the storage engine")
	assert.Equal(t, "sqlite", cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, "rules", cfg.LLM.Provider)
	assert.Equal(t, "hash", cfg.LLM.EmbeddingProvider)
	assert.Equal(t, 4, cfg.Engine.NumWorkers)
	assert.Equal(t, 0.5, cfg.Engine.ConfidenceThreshold)
	assert.Len(t, cfg.Engine.Schedules, 5)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MEMOIR_HOST", "0.0.0.0")
	t.Setenv("MEMOIR_PORT", "7000")
	t.Setenv("MEMOIR_QUEUE_BACKEND", "memory")
	t.Setenv("MEMOIR_NUM_WORKERS", "8")
	t.Setenv("MEMOIR_PROVIDER_TIMEOUT", "1500ms")
	t.Setenv("MEMOIR_CONFIDENCE_THRESHOLD", "0.75")
	t.Setenv("MEMOIR_TAXONOMY", "movie, book , ,note")
	t.Setenv("MEMOIR_LLM_API_KEY", "sk-shared")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 8, cfg.Engine.NumWorkers)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.ProviderTimeout)
	assert.Equal(t, 0.75, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, []string{"movie", "book", "note"}, cfg.Engine.Taxonomy)
	assert.Equal(t, "sk-shared", cfg.LLM.EmbeddingAPIKey, "embedding key defaults to the LLM key")

	eng := cfg.EngineSettings()
	assert.True(t, eng.RecoverPendingOnStart, "memory queue recovers pending records")
	assert.Equal(t, []string{"movie", "book", "note"}, cfg.LLMSettings().Taxonomy)
}

func TestLoadConfig_UnparsableEnvKeepsDefault(t *testing.T) {
	t.Setenv("MEMOIR_PORT", "not-a-port")
	t.Setenv("MEMOIR_LEASE_DURATION", "forever")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 6464, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Engine.LeaseDuration)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memoir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	path := writeFile(t, `
taxonomy: [movie, book, note]
confidence_threshold: 0.6
intent_providers:
  movie: [movies, web]
  book: []
fallback_providers: []
schedules:
  - name: hourly-reminders
    rule: "15 * * * *"
    task: task_reminders
    grace: 5m
`)
	t.Setenv("MEMOIR_CONFIG_FILE", path)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"movie", "book", "note"}, cfg.Engine.Taxonomy)
	assert.Equal(t, 0.6, cfg.Engine.ConfidenceThreshold)
	assert.Equal(t, []string{"movies", "web"}, cfg.Engine.IntentProviders[types.IntentMovie])
	assert.Empty(t, cfg.Engine.IntentProviders[types.IntentBook])
	assert.Empty(t, cfg.Engine.FallbackProviders, "explicit empty list disables the fallback")
	require.Len(t, cfg.Engine.Schedules, 1)
	assert.Equal(t, types.ScheduleDefinition{
		Name: "hourly-reminders", Rule: "15 * * * *", Task: "task_reminders", Grace: 5 * time.Minute,
	}, cfg.Engine.Schedules[0])
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvBeatsYAML(t *testing.T) {
	t.Setenv("MEMOIR_CONFIG_FILE", writeFile(t, "confidence_threshold: 0.6\n"))
	t.Setenv("MEMOIR_CONFIDENCE_THRESHOLD", "0.9")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.9, cfg.Engine.ConfidenceThreshold)
}

func TestLoadConfig_BadYAML(t *testing.T) {
	t.Setenv("MEMOIR_CONFIG_FILE", writeFile(t, "schedules: [{name: x}]\n"))
	_, err := config.LoadConfig()
	assert.ErrorContains(t, err, "name, rule and task")

	t.Setenv("MEMOIR_CONFIG_FILE", writeFile(t, "taxonomy: {not: a list\n"))
	_, err = config.LoadConfig()
	assert.ErrorContains(t, err, "parse")

	t.Setenv("MEMOIR_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = config.LoadConfig()
	assert.ErrorContains(t, err, "read")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"port", func(c *config.Config) { c.Server.Port = 0 }, "port"},
		{"storage engine", func(c *config.Config) { c.Storage.Engine = "mysql" }, "storage engine"},
		{"vector backend", func(c *config.Config) { c.Storage.VectorIndex = "faiss" }, "vector backend"},
		{"postgres dsn", func(c *config.Config) {
			c.Storage.Engine, c.Storage.VectorIndex, c.Queue.Backend = "postgres", "postgres", "memory"
		}, "MEMOIR_POSTGRES_DSN"},
		{"pgvector needs postgres", func(c *config.Config) { c.Storage.VectorIndex = "postgres" }, "requires the postgres"},
		{"sqlite queue needs sqlite", func(c *config.Config) {
			c.Storage.Engine, c.Storage.VectorIndex, c.Storage.PostgresDSN = "postgres", "chromem", "postgres://x"
		}, "sqlite queue"},
		{"redis url", func(c *config.Config) { c.Queue.Backend = "redis" }, "MEMOIR_REDIS_URL"},
		{"queue backend", func(c *config.Config) { c.Queue.Backend = "kafka" }, "queue backend"},
		{"attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }, "max attempts"},
		{"dimension", func(c *config.Config) { c.LLM.Dimension = 0 }, "dimension"},
		{"production token", func(c *config.Config) { c.Security.SecurityMode = "production" }, "MEMOIR_API_TOKEN"},
		{"security mode", func(c *config.Config) { c.Security.SecurityMode = "open" }, "security mode"},
		{"threshold", func(c *config.Config) { c.Engine.ConfidenceThreshold = 1.5 }, "ConfidenceThreshold"},
		{"lease", func(c *config.Config) { c.Engine.LeaseDuration = time.Second }, "LeaseDuration"},
		{"schedule rule", func(c *config.Config) {
			c.Engine.Schedules = []types.ScheduleDefinition{{Name: "bad", Rule: "every tuesday", Task: "x"}}
		}, `schedule "bad"`},
		{"backup rule", func(c *config.Config) { c.Storage.BackupSchedule = "whenever" }, `schedule "database-backup"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Storage.VectorIndex = "sqlite"
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidate_ProductionWithToken(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.VectorIndex = "sqlite"
	cfg.Security.SecurityMode = "production"
	cfg.Security.APIToken = "secret"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.IsProduction())
}

func TestEngineSettings_BackupSchedule(t *testing.T) {
	cfg := config.Defaults()
	require.True(t, cfg.BackupsEnabled())

	eng := cfg.EngineSettings()
	require.Len(t, eng.Schedules, len(cfg.Engine.Schedules)+1)
	last := eng.Schedules[len(eng.Schedules)-1]
	assert.Equal(t, config.BackupScheduleName, last.Name)
	assert.Equal(t, "30 3 * * *", last.Rule)
	assert.Len(t, cfg.Engine.Schedules, 5, "configured schedules are not modified")

	cfg.Storage.BackupSchedule = "off"
	assert.False(t, cfg.BackupsEnabled())
	assert.Len(t, cfg.EngineSettings().Schedules, 5)

	cfg.Storage.BackupSchedule = "0 * * * *"
	cfg.Storage.Engine = "postgres"
	assert.False(t, cfg.BackupsEnabled(), "snapshots only cover sqlite")
}

func TestLoadConfig_BackupDirFollowsDataPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMOIR_CONFIG_FILE", "")
	t.Setenv("MEMOIR_DATA_PATH", dir)
	t.Setenv("MEMOIR_BACKUP_DIR", "")
	t.Setenv("MEMOIR_BACKUP_VERIFY", "false")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups"), cfg.Storage.BackupDir)
	assert.False(t, cfg.Storage.BackupVerify)
}

func TestProviderSettings(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers.TMDBKey = "tmdb"
	cfg.Providers.GoogleCSEKey = "cse"
	cfg.Providers.WebCX = "web-cx"

	keys := cfg.ProviderKeys()
	assert.Equal(t, "tmdb", keys.TMDB)
	assert.Equal(t, "en-US", keys.TMDBLanguage)
	assert.Equal(t, "web-cx", keys.WebCX)

	client := cfg.ProviderClient()
	assert.Equal(t, 5.0, client.RatePerSecond)
	assert.Equal(t, 10*time.Second, client.Timeout)
}
