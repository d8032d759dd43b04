package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const WorkerDatabaseBackup = "database-backup"

type BackupResult struct {
	Path   string `json:"path"`
	Pruned int    `json:"pruned"`
}

func (r BackupResult) MarshalZerologObject(e *zerolog.Event) {
	e.Str("path", r.Path).Int("pruned", r.Pruned)
}

// RunBackup copies the database into backup.path and drops copies older than the retention.
func (a *App) RunBackup(ctx context.Context) (BackupResult, error) {
	cfg := a.cfg.Backup
	now := time.Now()

	path, err := a.db.Backup(ctx, cfg.Path, now)
	if err != nil {
		return BackupResult{}, err
	}
	result := BackupResult{Path: path}

	if cfg.RetentionDays > 0 {
		result.Pruned, err = a.db.PruneBackups(cfg.Path, now.AddDate(0, 0, -cfg.RetentionDays))
		if err != nil {
			a.logger.Warn().Err(err).Msg("backup cleanup failed")
		}
	}
	return result, nil
}
