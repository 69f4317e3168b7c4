package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/backup"
	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/internal/importer"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/pkg/types"
)

func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MEMOIR_BACKUP_DIR", "")
	t.Setenv("MEMOIR_BACKUP_SCHEDULE", "")
	t.Setenv("MEMOIR_DATA_PATH", dir)
	t.Setenv("MEMOIR_CONFIG_FILE", "")
	t.Setenv("MEMOIR_STORAGE_ENGINE", "sqlite")
	t.Setenv("MEMOIR_VECTOR_BACKEND", "")
	t.Setenv("MEMOIR_QUEUE_BACKEND", "sqlite")
	t.Setenv("MEMOIR_EMBEDDING_DIMENSION", "64")
	return dir
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute(), out.String())
	return out.String()
}

func TestTickCommand_FiresDueSchedules(t *testing.T) {
	testEnv(t)
	at := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)

	// The defaults plus the database-backup schedule.
	want := len(scheduler.DefaultDefinitions()) + 1

	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal([]byte(run(t, "tick", "--at", at, "--drain")), &report))
	assert.Equal(t, want, report.Checked)
	assert.Len(t, report.Fired, want)

	var snapshots []backup.Info
	require.NoError(t, json.Unmarshal([]byte(run(t, "backup", "--list")), &snapshots))
	assert.Len(t, snapshots, 1, "the backup task ran once")

	// The sqlite schedule store persisted LastFired; the same instant fires nothing.
	require.NoError(t, json.Unmarshal([]byte(run(t, "tick", "--at", at)), &report))
	assert.Empty(t, report.Fired)
}

func TestReindexAndDeadLettersCommands(t *testing.T) {
	testEnv(t)
	ctx := context.Background()

	cfg, err := loadConfig()
	require.NoError(t, err)
	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	_, err = a.engine.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "alice", Content: "Watched Inception again"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	var res map[string]int
	require.NoError(t, json.Unmarshal([]byte(run(t, "reindex", "--drain")), &res))
	assert.Equal(t, 1, res["queued"])
	assert.GreaterOrEqual(t, res["processed"], 1)

	require.NoError(t, json.Unmarshal([]byte(run(t, "reindex")), &res))
	assert.Zero(t, res["queued"], "current embeddings are not requeued")

	var jobs []*types.Job
	require.NoError(t, json.Unmarshal([]byte(run(t, "deadletters", "--limit", "10")), &jobs))
	assert.Empty(t, jobs)
}

func TestDeadLettersCommand_RequeueUnknownFails(t *testing.T) {
	testEnv(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"deadletters", "--requeue", "no-such-job"})
	assert.Error(t, cmd.Execute())
}

func TestImportCommand(t *testing.T) {
	testEnv(t)
	notes := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(notes, "2023-06-01.md"),
		[]byte("---\ndate: 2023-06-01\n---\nWatched Inception at the cinema"), 0o600))

	var res importer.Result
	require.NoError(t, json.Unmarshal([]byte(run(t, "import", notes, "--owner", "alice", "--drain")), &res))
	require.Equal(t, 1, res.Imported)
	require.Len(t, res.MemoryIDs, 1)

	cfg, err := loadConfig()
	require.NoError(t, err)
	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	rec, err := a.engine.GetMemory(context.Background(), res.MemoryIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), rec.CreatedAt)
	assert.Equal(t, types.StatusClassified, rec.Status)
}

func TestBackupAndRestoreCommands(t *testing.T) {
	dir := testEnv(t)
	ctx := context.Background()

	cfg, err := loadConfig()
	require.NoError(t, err)
	a, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	kept, err := a.engine.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "alice", Content: "Read Dune"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	var res backup.Result
	require.NoError(t, json.Unmarshal([]byte(run(t, "backup")), &res))
	assert.True(t, res.Verified)
	assert.Equal(t, filepath.Join(dir, "backups"), filepath.Dir(res.Path))

	a, err = buildApp(ctx, cfg)
	require.NoError(t, err)
	lost, err := a.engine.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "alice", Content: "Visited Lisbon"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Contains(t, run(t, "restore", res.Path), "restored")

	a, err = buildApp(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()
	_, err = a.engine.GetMemory(ctx, kept.ID)
	assert.NoError(t, err)
	_, err = a.engine.GetMemory(ctx, lost.ID)
	assert.Error(t, err)
}

func TestBuildApp_Backends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"sqlite everything", func(*config.Config) {}},
		{"memory queue", func(c *config.Config) { c.Queue.Backend = "memory" }},
		{"chromem index", func(c *config.Config) { c.Storage.VectorIndex = "chromem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Storage.DataPath = t.TempDir()
			cfg.Storage.VectorIndex = "sqlite"
			cfg.LLM.Dimension = 64
			tt.mutate(cfg)
			require.NoError(t, cfg.Validate())

			a, err := buildApp(context.Background(), cfg)
			require.NoError(t, err)
			defer func() { assert.NoError(t, a.Close()) }()

			rec, err := a.engine.CreateMemory(context.Background(), &types.MemoryRecord{OwnerID: "alice", Content: "Dune is a book"})
			require.NoError(t, err)
			_, err = a.engine.Pool().Drain(context.Background())
			require.NoError(t, err)

			hits, err := a.engine.SemanticQuery(context.Background(), "Dune", 5, types.SearchFilter{})
			require.NoError(t, err)
			require.NotEmpty(t, hits)
			assert.Equal(t, rec.ID, hits[0].MemoryID)
		})
	}
}

func TestChromemIndexRebuildsAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.VectorIndex = "chromem"
	cfg.LLM.Dimension = 64
	require.NoError(t, cfg.Validate())
	require.True(t, needsRebuild(cfg))

	first, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	rec, err := first.engine.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "alice", Content: "Dune is a book"})
	require.NoError(t, err)
	_, err = first.engine.Pool().Drain(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := buildApp(ctx, cfg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, second.Close()) }()

	hits, err := second.engine.SemanticQuery(ctx, "Dune", 5, types.SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, hits, "a fresh chromem index holds nothing")

	n, err := second.engine.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = second.engine.Pool().Drain(ctx)
	require.NoError(t, err)

	hits, err = second.engine.SemanticQuery(ctx, "Dune", 5, types.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, rec.ID, hits[0].MemoryID)
}

func TestBuildApp_RejectsUnavailableBackends(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.VectorIndex = "postgres"
	_, err := buildApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "not available")
}
