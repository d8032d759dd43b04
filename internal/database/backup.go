package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	backupPrefix = "rebook_"
	backupSuffix = ".db"
)

// Backup writes a consistent copy of the database into dir and returns its path.
func (db *DB) Backup(ctx context.Context, dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := backupPrefix + now.UTC().Format("20060102_150405.000") + backupSuffix
	path := filepath.Join(dir, name)

	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("failed to back up database: %w", err)
	}
	db.logger.Info().Str("path", path).Msg("Database backup written")
	return path, nil
}

// PruneBackups removes backups in dir last modified before cutoff. Other files are left alone.
func (db *DB) PruneBackups(dir string, cutoff time.Time) (int, error) {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), backupPrefix) || !strings.HasSuffix(file.Name(), backupSuffix) {
			continue
		}
		info, err := file.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
			db.logger.Warn().Err(err).Str("file", file.Name()).Msg("Failed to delete old backup")
			continue
		}
		db.logger.Info().Str("file", file.Name()).Msg("Deleted old backup")
		removed++
	}
	return removed, nil
}
