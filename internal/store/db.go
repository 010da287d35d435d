package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"cortex/internal/logging"
)

// Store owns the SQLite connection and the memories/memory_tags/
// memory_links tables. Other subsystems (graph, session, embedding cache,
// consolidation, validation) are handed the same *sql.DB and own their own
// tables on it, mirroring the teacher's single-LocalStore-many-files
// layout without requiring a single god-object.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool
}

// NewStore opens (creating if needed) the SQLite database at path and
// runs the memories schema migration.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	s.detectVecExtension()
	if err := s.backfillContentHashes(); err != nil {
		logging.Get(logging.CategoryStore).Warn("content hash backfill failed: %v", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload_blob TEXT NOT NULL,
			confidence REAL NOT NULL,
			importance TEXT NOT NULL,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			last_validated INTEGER,
			access_count INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			archive_reason TEXT,
			supersedes TEXT,
			superseded_by TEXT,
			created_by TEXT,
			content_hash TEXT,
			txn_time_start INTEGER NOT NULL,
			txn_time_end INTEGER,
			valid_time_start INTEGER NOT NULL,
			valid_time_end INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_confidence ON memories(confidence)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_content_hash ON memories(content_hash)`,

		`CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id TEXT NOT NULL REFERENCES memories(id),
			tag TEXT NOT NULL,
			PRIMARY KEY (memory_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag)`,

		`CREATE TABLE IF NOT EXISTS memory_links (
			memory_id TEXT NOT NULL REFERENCES memories(id),
			kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			PRIMARY KEY (memory_id, kind, target_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_links_target ON memory_links(kind, target_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

// detectVecExtension probes for the sqlite-vec vec0 virtual table,
// matching the teacher's detectVecExtension in local_core.go.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// HasVectorExtension reports whether the sqlite-vec vec0 module loaded.
// SimilaritySearch does not consult it and always uses brute-force cosine.
func (s *Store) HasVectorExtension() bool { return s.vectorExt }

// DB exposes the shared *sql.DB so sibling subsystems (graph, session,
// embedding cache, consolidation, validation) can own their own tables on
// the same connection.
func (s *Store) DB() *sql.DB { return s.db }

// Lock/Unlock/RLock/RUnlock expose the store's single-writer guard so
// sibling subsystems serialize writes the same way memories do, matching
// spec §5's "single logical writer" model.
func (s *Store) Lock()    { s.mu.Lock() }
func (s *Store) Unlock()  { s.mu.Unlock() }
func (s *Store) RLock()   { s.mu.RLock() }
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors, returning 0 for mismatched lengths or zero vectors. Adapted
// from the teacher's local_core.go CosineSimilarity (float64 variant; the
// embedding package carries a float32 variant for provider vectors).
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// GetStats returns row counts for every table this engine maintains,
// adapted from the teacher's LocalStore.GetStats.
func (s *Store) GetStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"memories", "memory_tags", "memory_links", "causal_edges",
		"embeddings", "sessions", "session_loaded", "consolidation_runs",
		"validation_runs",
	}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("table %s count failed (may not exist yet): %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
