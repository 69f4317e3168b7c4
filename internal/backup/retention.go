package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listBackups returns snapshot files in dir, newest first by mtime.
func listBackups(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, name),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// applyRetention removes snapshots beyond each tier's quota and returns how
// many were removed.
func applyRetention(dir string, policy RetentionPolicy, now time.Time) (int, error) {
	backups, err := listBackups(dir)
	if err != nil {
		return 0, err
	}

	var hourly, daily, weekly, monthly, toDelete []string
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b.Path)
		case age < 7*24*time.Hour:
			daily = append(daily, b.Path)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b.Path)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b.Path)
		default:
			toDelete = append(toDelete, b.Path)
		}
	}
	toDelete = append(toDelete, overQuota(hourly, policy.Hourly)...)
	toDelete = append(toDelete, overQuota(daily, policy.Daily)...)
	toDelete = append(toDelete, overQuota(weekly, policy.Weekly)...)
	toDelete = append(toDelete, overQuota(monthly, policy.Monthly)...)

	var errs []error
	removed := 0
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to delete some backups: %w", errors.Join(errs...))
	}
	return removed, nil
}

// overQuota returns the entries past keep in a newest-first tier.
func overQuota(tier []string, keep int) []string {
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}
