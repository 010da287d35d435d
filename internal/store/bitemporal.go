package store

import (
	"fmt"
	"time"

	"cortex/internal/cortexerr"
)

// PointInTime returns the set of memories M such that
// M.transactionTime <= systemTime and M.validTime contains validTime,
// restricted to the then-latest non-superseded version of each logical
// record, resolved by walking supersededBy (spec §4.1 "Bitemporal
// queries").
func (s *Store) PointInTime(systemTime, validTime time.Time) ([]*Memory, error) {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT id FROM memories WHERE txn_time_start <= ? AND archived = 0`, systemTime.Unix())
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("querying bitemporal candidates: %w", cortexerr.ErrStorageIO)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	var out []*Memory
	seen := make(map[string]bool)
	for _, id := range ids {
		m, err := s.Peek(id)
		if err != nil {
			continue
		}
		if m.TransactionTime.Start.After(systemTime) {
			continue
		}
		if !m.ValidTime.Contains(validTime) {
			continue
		}

		// Walk supersededBy to the latest version of this logical record
		// that is still valid as-of systemTime.
		latest := m
		for latest.SupersededBy != "" {
			next, err := s.Peek(latest.SupersededBy)
			if err != nil || next.TransactionTime.Start.After(systemTime) {
				break
			}
			latest = next
		}
		if seen[latest.ID] {
			continue
		}
		seen[latest.ID] = true
		out = append(out, latest)
	}
	return out, nil
}
