// Package backup takes verified point-in-time snapshots of the sqlite
// database and prunes them with a tiered retention policy.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/memoir/internal/metrics"
)

// filePrefix names every snapshot file; listing ignores other .db files.
const filePrefix = "memoir-backup-"

// Config holds snapshot settings.
type Config struct {
	Dir       string          // Where snapshots are written
	Retention RetentionPolicy // Zero fields fall back to the defaults
	Verify    bool            // Run integrity_check on each snapshot
}

// RetentionPolicy defines how many snapshots to keep per age tier:
// hourly (<24h), daily (<7d), weekly (<30d), monthly (<365d).
// Older snapshots are always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result describes a completed snapshot.
type Result struct {
	Path     string        `json:"path"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
	Pruned   int           `json:"pruned"`
	Duration time.Duration `json:"duration_ns"`
}

// Snapshotter writes snapshots of an open database handle.
type Snapshotter struct {
	db        *sql.DB
	dir       string
	retention RetentionPolicy
	verify    bool
	now       func() time.Time
}

// New creates the snapshot directory and returns a Snapshotter for db.
func New(db *sql.DB, cfg Config) (*Snapshotter, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	def := DefaultRetention()
	if cfg.Retention.Hourly <= 0 {
		cfg.Retention.Hourly = def.Hourly
	}
	if cfg.Retention.Daily <= 0 {
		cfg.Retention.Daily = def.Daily
	}
	if cfg.Retention.Weekly <= 0 {
		cfg.Retention.Weekly = def.Weekly
	}
	if cfg.Retention.Monthly <= 0 {
		cfg.Retention.Monthly = def.Monthly
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Snapshotter{db: db, dir: cfg.Dir, retention: cfg.Retention, verify: cfg.Verify, now: time.Now}, nil
}

// Snapshot writes a consistent copy of the database with VACUUM INTO,
// optionally verifies it, then applies retention. Retention failures are
// logged, not returned.
func (s *Snapshotter) Snapshot(ctx context.Context) (*Result, error) {
	start := time.Now()
	name := filePrefix + s.now().UTC().Format("20060102-150405.000000") + ".db"
	path := filepath.Join(s.dir, name)

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO "+quoteLiteral(path)); err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	result := &Result{Path: path, Size: info.Size()}

	if s.verify {
		if err := Verify(ctx, path); err != nil {
			metrics.BackupsTotal.WithLabelValues("corrupt").Inc()
			return result, fmt.Errorf("snapshot verification failed: %w", err)
		}
		result.Verified = true
	}

	pruned, err := applyRetention(s.dir, s.retention, s.now())
	if err != nil {
		log.Printf("WARNING: backup: failed to apply retention policy: %v", err)
	}
	result.Pruned = pruned
	result.Duration = time.Since(start)

	metrics.BackupsTotal.WithLabelValues("ok").Inc()
	log.Printf("[backup.snapshot] path=%s size=%d verified=%v pruned=%d", path, result.Size, result.Verified, pruned)
	return result, nil
}

// List returns the snapshots in the backup directory, newest first.
func (s *Snapshotter) List() ([]Info, error) {
	return listBackups(s.dir)
}

// Verify opens path read-only and runs PRAGMA integrity_check.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Restore replaces the database at dbPath with the snapshot at backupPath.
// Nothing may hold dbPath open. The previous file is kept at
// dbPath+".pre-restore" until the restored copy verifies.
func Restore(ctx context.Context, backupPath, dbPath string) error {
	if err := Verify(ctx, backupPath); err != nil {
		return fmt.Errorf("backup verification failed: %w", err)
	}

	previous := dbPath + ".pre-restore"
	hadPrevious := false
	if _, err := os.Stat(dbPath); err == nil {
		if err := os.Rename(dbPath, previous); err != nil {
			return fmt.Errorf("failed to set aside current database: %w", err)
		}
		hadPrevious = true
	}
	// WAL files belong to the database being replaced.
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")

	err := copyFile(backupPath, dbPath)
	if err == nil {
		err = Verify(ctx, dbPath)
	}
	if err != nil {
		return rollback(dbPath, previous, hadPrevious, err)
	}
	if hadPrevious {
		_ = os.Remove(previous)
	}
	log.Printf("[backup.restore] from=%s to=%s", backupPath, dbPath)
	return nil
}

func rollback(dbPath, previous string, hadPrevious bool, cause error) error {
	if !hadPrevious {
		_ = os.Remove(dbPath)
		return fmt.Errorf("restore failed: %w", cause)
	}
	if err := os.Rename(previous, dbPath); err != nil {
		return fmt.Errorf("restore failed and rollback failed: %v (restore error: %w)", err, cause)
	}
	return fmt.Errorf("restore failed, rolled back to previous state: %w", cause)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to sync target file: %w", err)
	}
	return out.Close()
}

// quoteLiteral renders s as a SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
