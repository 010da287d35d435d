package store

import (
	"fmt"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// MaintenanceConfig tunes MaintenanceCleanup's purge/vacuum pass.
// Adapted from the teacher's LocalStore doc-comment example in
// local_core.go (ArchiveOlderThanDays/MaxAccessCount/
// PurgeArchivedOlderThanDays/VacuumDatabase).
type MaintenanceConfig struct {
	PurgeArchivedOlderThan time.Duration
	VacuumDatabase         bool
}

// MaintenanceStats reports what a MaintenanceCleanup pass did.
type MaintenanceStats struct {
	Purged   int64
	Vacuumed bool
}

// MaintenanceCleanup hard-deletes archived memories older than
// PurgeArchivedOlderThan, with their tag and link rows, and optionally
// reclaims disk space with VACUUM. Nothing in the engine calls it; archived
// records are purged only when a caller runs it.
func (s *Store) MaintenanceCleanup(cfg MaintenanceConfig) (MaintenanceStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MaintenanceCleanup")
	defer timer.Stop()

	var stats MaintenanceStats
	cutoff := time.Now().Add(-cfg.PurgeArchivedOlderThan).Unix()

	s.mu.Lock()
	for _, child := range []string{"memory_tags", "memory_links"} {
		if _, err := s.db.Exec(`DELETE FROM `+child+` WHERE memory_id IN (SELECT id FROM memories WHERE archived = 1 AND updated_at < ?)`, cutoff); err != nil {
			s.mu.Unlock()
			return stats, fmt.Errorf("purging archived memories: %w", cortexerr.ErrStorageIO)
		}
	}
	res, err := s.db.Exec(`DELETE FROM memories WHERE archived = 1 AND updated_at < ?`, cutoff)
	if err != nil {
		s.mu.Unlock()
		return stats, fmt.Errorf("purging archived memories: %w", cortexerr.ErrStorageIO)
	}
	n, _ := res.RowsAffected()
	stats.Purged = n
	s.mu.Unlock()

	if cfg.VacuumDatabase {
		if _, err := s.db.Exec(`VACUUM`); err != nil {
			logging.Get(logging.CategoryStore).Warn("vacuum failed: %v", err)
		} else {
			stats.Vacuumed = true
		}
	}

	logging.Store("maintenance cleanup purged %d archived memories (vacuum=%v)", stats.Purged, stats.Vacuumed)
	return stats, nil
}
