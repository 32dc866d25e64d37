package scheduler

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/common"
)

// Job names
const (
	JobRetentionSweep = "retention_sweep"
	JobStatusSync     = "status_sync"
	JobCompaction     = "storage_compaction"
)

// Sweeper removes analyses and impact layers that are not kept
type Sweeper interface {
	SweepResults(ctx context.Context) error
}

// StatusSyncer reconciles every unfinished analysis
type StatusSyncer interface {
	SyncUnfinished(ctx context.Context) (int, error)
}

// RegisterMaintenanceJobs wires the retention sweep and status
// reconciliation onto their configured schedules. Empty schedules are skipped.
func RegisterMaintenanceJobs(s *Service, config common.SchedulerConfig, sweeper Sweeper, syncer StatusSyncer, logger arbor.ILogger) error {
	if config.RetentionSchedule != "" {
		if err := s.RegisterJob(JobRetentionSweep, config.RetentionSchedule,
			"Delete finished analyses not flagged keep and unreferenced impact layers",
			sweeper.SweepResults); err != nil {
			return err
		}
	}

	if config.StatusSyncSchedule != "" {
		err := s.RegisterJob(JobStatusSync, config.StatusSyncSchedule,
			"Reconcile the status of unfinished analyses",
			func(ctx context.Context) error {
				synced, err := syncer.SyncUnfinished(ctx)
				if synced > 0 {
					logger.Debug().Int("analyses", synced).Msg("Unfinished analyses reconciled")
				}
				return err
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// Compactor reclaims space in the database files
type Compactor interface {
	Compact(ctx context.Context) error
}

// RegisterCompactionJob schedules storage compaction. An empty schedule disables it.
func RegisterCompactionJob(s *Service, schedule string, compactor Compactor) error {
	if schedule == "" {
		return nil
	}
	return s.RegisterJob(JobCompaction, schedule, "Reclaim space freed by deleted records", compactor.Compact)
}
