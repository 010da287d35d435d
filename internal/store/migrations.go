package store

import (
	"database/sql"
	"fmt"

	"cortex/internal/identity"
	"cortex/internal/logging"
)

// backfillContentHashes computes content_hash for any memory rows that
// predate the column or were inserted by a path that forgot to set it.
// Adapted from the teacher's migrations.go ensureContentHashes: a
// transaction + prepared statement sweep over rows missing the derived
// column.
func (s *Store) backfillContentHashes() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id, type, summary FROM memories WHERE content_hash IS NULL OR content_hash = ''`)
	if err != nil {
		return fmt.Errorf("querying rows missing content_hash: %w", err)
	}

	type pending struct{ id, typ, summary string }
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.typ, &p.summary); err != nil {
			rows.Close()
			return fmt.Errorf("scanning row: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()

	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning backfill transaction: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE memories SET content_hash = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing backfill statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range batch {
		hash := identity.ContentHash(p.typ, p.summary)
		if _, err := stmt.Exec(hash, p.id); err != nil {
			tx.Rollback()
			return fmt.Errorf("backfilling content_hash for %s: %w", p.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing backfill: %w", err)
	}
	logging.StoreDebug("backfilled content_hash for %d memories", len(batch))
	return nil
}

// tableExists and columnExists guard future ALTER TABLE-style migrations,
// matching the teacher's migrations.go guard pattern.
func tableExists(db *sql.DB, name string) bool {
	var n string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, name).Scan(&n)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}
