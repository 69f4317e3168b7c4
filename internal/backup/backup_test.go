package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS memories (id TEXT PRIMARY KEY, content TEXT)`)
	require.NoError(t, err)
	return db
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n))
	return n
}

// touchBackup creates an empty snapshot-named file with the given age.
func touchBackup(t *testing.T, dir string, now time.Time, age time.Duration) string {
	t.Helper()
	ts := now.Add(-age)
	path := filepath.Join(dir, filePrefix+ts.Format("20060102-150405.000000")+".db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(path, ts, ts))
	return path
}

func TestSnapshot_VerifiedCopy(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, filepath.Join(dir, "memoir.db"))
	_, err := db.Exec(`INSERT INTO memories VALUES ('m1', 'Read Dune'), ('m2', 'Visited Lisbon')`)
	require.NoError(t, err)

	s, err := New(db, Config{Dir: filepath.Join(dir, "backups"), Verify: true})
	require.NoError(t, err)

	res, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Positive(t, res.Size)
	assert.Equal(t, 2, countRows(t, res.Path))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Path, list[0].Path)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Dir: t.TempDir()})
	assert.Error(t, err)

	db := openTestDB(t, filepath.Join(t.TempDir(), "memoir.db"))
	_, err = New(db, Config{})
	assert.Error(t, err)

	s, err := New(db, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention(), s.retention)
}

func TestRestore_ReplacesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memoir.db")
	db := openTestDB(t, dbPath)
	_, err := db.Exec(`INSERT INTO memories VALUES ('m1', 'Read Dune')`)
	require.NoError(t, err)

	s, err := New(db, Config{Dir: filepath.Join(dir, "backups"), Verify: true})
	require.NoError(t, err)
	res, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO memories VALUES ('m2', 'Lost after restore')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, Restore(context.Background(), res.Path, dbPath))
	assert.Equal(t, 1, countRows(t, dbPath))
	assert.NoFileExists(t, dbPath+".pre-restore")
}

func TestRestore_CorruptBackupKeepsDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "memoir.db")
	db := openTestDB(t, dbPath)
	_, err := db.Exec(`INSERT INTO memories VALUES ('m1', 'Read Dune')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	bogus := filepath.Join(dir, "bogus.db")
	require.NoError(t, os.WriteFile(bogus, []byte("not a database"), 0o600))

	assert.Error(t, Restore(context.Background(), bogus, dbPath))
	assert.Equal(t, 1, countRows(t, dbPath))
}

func TestListBackups_OnlySnapshotFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	older := touchBackup(t, dir, now, 2*time.Hour)
	newer := touchBackup(t, dir, now, time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.db"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, filePrefix+"notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, filePrefix+"dir.db"), 0o700))

	list, err := listBackups(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].Path)
	assert.Equal(t, older, list[1].Path)

	_, err = listBackups(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestApplyRetention_Tiers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	policy := RetentionPolicy{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}

	keep := []string{
		touchBackup(t, dir, now, time.Hour),
		touchBackup(t, dir, now, 2*time.Hour),
		touchBackup(t, dir, now, 2*24*time.Hour),
		touchBackup(t, dir, now, 10*24*time.Hour),
		touchBackup(t, dir, now, 60*24*time.Hour),
	}
	drop := []string{
		touchBackup(t, dir, now, 3*time.Hour),
		touchBackup(t, dir, now, 3*24*time.Hour),
		touchBackup(t, dir, now, 11*24*time.Hour),
		touchBackup(t, dir, now, 90*24*time.Hour),
		touchBackup(t, dir, now, 400*24*time.Hour),
	}

	removed, err := applyRetention(dir, policy, now)
	require.NoError(t, err)
	assert.Equal(t, len(drop), removed)
	for _, p := range keep {
		assert.FileExists(t, p)
	}
	for _, p := range drop {
		assert.NoFileExists(t, p)
	}
}

func TestApplyRetention_UnderQuotaKeepsAll(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for i := 1; i <= 3; i++ {
		touchBackup(t, dir, now, time.Duration(i)*time.Hour)
	}
	removed, err := applyRetention(dir, DefaultRetention(), now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'/tmp/it''s.db'`, quoteLiteral("/tmp/it's.db"))
}
