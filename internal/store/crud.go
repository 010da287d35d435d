package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/identity"
	"cortex/internal/logging"
)

// payloadEnvelope is the JSON shape persisted in memories.payload_blob:
// everything about a Memory that isn't promoted to its own column for
// indexing/filtering.
type payloadEnvelope struct {
	Citations          []Citation                 `json:"citations,omitempty"`
	Procedural         *ProceduralPayload          `json:"procedural,omitempty"`
	Episodic           *EpisodicPayload            `json:"episodic,omitempty"`
	PatternRationale   *PatternRationalePayload    `json:"pattern_rationale,omitempty"`
	CodeSmell          *CodeSmellPayload           `json:"code_smell,omitempty"`
	DecisionContext    *DecisionContextPayload     `json:"decision_context,omitempty"`
	ConstraintOverride *ConstraintOverridePayload  `json:"constraint_override,omitempty"`
	Semantic           *SemanticPayload            `json:"semantic,omitempty"`
	Tribal             *TribalPayload              `json:"tribal,omitempty"`
}

func marshalPayload(m *Memory) (string, error) {
	env := payloadEnvelope{
		Citations:          m.Citations,
		Procedural:         m.Procedural,
		Episodic:           m.Episodic,
		PatternRationale:   m.PatternRationale,
		CodeSmell:          m.CodeSmell,
		DecisionContext:    m.DecisionContext,
		ConstraintOverride: m.ConstraintOverride,
		Semantic:           m.Semantic,
		Tribal:             m.Tribal,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// validateTypePayload enforces that the payload matching m.Type is
// present, per the create contract's "fails with InvalidMemory if
// required type-specific fields are missing" rule.
func validateTypePayload(m *Memory) error {
	switch m.Type {
	case TypeProcedural:
		if m.Procedural == nil || len(m.Procedural.Steps) == 0 {
			return fmt.Errorf("procedural memory requires steps: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeEpisodic:
		if m.Episodic == nil {
			return fmt.Errorf("episodic memory requires an episodic payload: %w", cortexerr.ErrInvalidMemory)
		}
	case TypePatternRationale:
		if m.PatternRationale == nil || m.PatternRationale.PatternID == "" {
			return fmt.Errorf("pattern_rationale memory requires a pattern id: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeCodeSmell:
		if m.CodeSmell == nil || m.CodeSmell.SmellKind == "" {
			return fmt.Errorf("code_smell memory requires a smell kind: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeDecisionContext:
		if m.DecisionContext == nil || m.DecisionContext.Decision == "" {
			return fmt.Errorf("decision_context memory requires a decision: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeConstraintOverride:
		if m.ConstraintOverride == nil || m.ConstraintOverride.ConstraintID == "" {
			return fmt.Errorf("constraint_override memory requires a constraint id: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeSemantic:
		if m.Semantic == nil || m.Semantic.Topic == "" {
			return fmt.Errorf("semantic memory requires a topic: %w", cortexerr.ErrInvalidMemory)
		}
	case TypeCore, TypeTribal:
		// no mandatory payload
	default:
		return fmt.Errorf("unknown memory type %q: %w", m.Type, cortexerr.ErrInvalidMemory)
	}
	if m.Summary == "" {
		return fmt.Errorf("memory requires a summary: %w", cortexerr.ErrInvalidMemory)
	}
	return nil
}

// Create assigns createdAt = updatedAt = now, accessCount = 0, and
// returns the canonical id. Fails with InvalidMemory if required
// type-specific fields are missing (spec §4.1).
func (s *Store) Create(m *Memory) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Create")
	defer timer.Stop()

	if err := validateTypePayload(m); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = identity.NewMemoryID(string(m.Type))
	}
	m.Confidence = clampConfidence(m.Confidence)
	if m.Importance == "" {
		m.Importance = ImportanceNormal
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	m.LastAccessed = now
	m.AccessCount = 0
	if m.TransactionTime.Start.IsZero() {
		m.TransactionTime.Start = now
	}
	if m.ValidTime.Start.IsZero() {
		m.ValidTime.Start = now
	}
	if !m.ValidTime.Valid() {
		return "", fmt.Errorf("validTime.start must be <= validTime.end: %w", cortexerr.ErrInvalidMemory)
	}
	m.ContentHash = identity.ContentHash(string(m.Type), m.Summary)

	payload, err := marshalPayload(m)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning create transaction: %w", cortexerr.ErrStorageIO)
	}

	_, err = tx.Exec(`INSERT INTO memories (
		id, type, payload_blob, confidence, importance, summary,
		created_at, updated_at, last_accessed, last_validated, access_count,
		archived, archive_reason, supersedes, superseded_by, created_by,
		content_hash, txn_time_start, txn_time_end, valid_time_start, valid_time_end
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(m.Type), payload, m.Confidence, string(m.Importance), m.Summary,
		unixOrZero(m.CreatedAt), unixOrZero(m.UpdatedAt), unixOrZero(m.LastAccessed), nullableUnix(m.LastValidated), m.AccessCount,
		boolToInt(m.Archived), m.ArchiveReason, m.Supersedes, m.SupersededBy, m.CreatedBy,
		m.ContentHash, unixOrZero(m.TransactionTime.Start), nullableUnix(m.TransactionTime.End), unixOrZero(m.ValidTime.Start), nullableUnix(m.ValidTime.End),
	)
	if err != nil {
		tx.Rollback()
		return "", fmt.Errorf("inserting memory: %w", cortexerr.ErrStorageIO)
	}

	if err := writeTags(tx, m.ID, m.Tags); err != nil {
		tx.Rollback()
		return "", err
	}
	if err := writeLinks(tx, m.ID, m); err != nil {
		tx.Rollback()
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing create: %w", cortexerr.ErrStorageIO)
	}
	return m.ID, nil
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeTags(tx *sql.Tx, memoryID string, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_tags (memory_id, tag) VALUES (?, ?)`, memoryID, tag); err != nil {
			return fmt.Errorf("writing tag %q: %w", tag, cortexerr.ErrStorageIO)
		}
	}
	return nil
}

func writeLinks(tx *sql.Tx, memoryID string, m *Memory) error {
	kinds := map[string][]string{
		"pattern":    m.LinkedPatterns,
		"constraint": m.LinkedConstraints,
		"file":       m.LinkedFiles,
		"function":   m.LinkedFunctions,
	}
	for kind, ids := range kinds {
		for _, target := range ids {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO memory_links (memory_id, kind, target_id) VALUES (?, ?, ?)`, memoryID, kind, target); err != nil {
				return fmt.Errorf("writing link %s/%s: %w", kind, target, cortexerr.ErrStorageIO)
			}
		}
	}
	return nil
}

func clearLinks(tx *sql.Tx, memoryID string) error {
	if _, err := tx.Exec(`DELETE FROM memory_links WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("clearing links: %w", cortexerr.ErrStorageIO)
	}
	return nil
}

func clearTags(tx *sql.Tx, memoryID string) error {
	if _, err := tx.Exec(`DELETE FROM memory_tags WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("clearing tags: %w", cortexerr.ErrStorageIO)
	}
	return nil
}

// Get reads a single memory by id, bumping its access telemetry
// (accessCount, lastAccessed) per spec P3's monotonic-counters property.
func (s *Store) Get(id string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, true)
}

// Peek reads a memory without bumping access telemetry, used internally
// by subsystems (decay, validation, consolidation) that must not count
// their own housekeeping reads as "access".
func (s *Store) Peek(id string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, false)
}

// Exists reports whether id resolves to a memory row, archived or not,
// without bumping access telemetry. Satisfies graph.MemoryExistence.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM memories WHERE id = ?`, id).Scan(&one)
	return err == nil
}

func (s *Store) getLocked(id string, touch bool) (*Memory, error) {
	m, err := scanMemory(s.db.QueryRow(`SELECT
		id, type, payload_blob, confidence, importance, summary,
		created_at, updated_at, last_accessed, last_validated, access_count,
		archived, archive_reason, supersedes, superseded_by, created_by,
		content_hash, txn_time_start, txn_time_end, valid_time_start, valid_time_end
		FROM memories WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, cortexerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory %s: %w", id, cortexerr.ErrStorageIO)
	}

	tags, links, lerr := loadTagsAndLinks(s.db, id)
	if lerr != nil {
		return nil, lerr
	}
	m.Tags = tags
	applyLinks(m, links)

	if touch {
		now := time.Now().UTC()
		if _, err := s.db.Exec(`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`, now.Unix(), id); err != nil {
			logging.StoreDebug("failed to bump access telemetry for %s: %v", id, err)
		} else {
			m.AccessCount++
			m.LastAccessed = now
		}
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m                                    Memory
		typ, importance, payload             string
		createdAt, updatedAt, lastAccessed    int64
		lastValidated                        sql.NullInt64
		accessCount                          int
		archived                             int
		archiveReason, supersedes, supersededBy, createdBy, contentHash sql.NullString
		txnStart                             int64
		txnEnd, validEnd                     sql.NullInt64
		validStart                           int64
	)
	if err := row.Scan(
		&m.ID, &typ, &payload, &m.Confidence, &importance, &m.Summary,
		&createdAt, &updatedAt, &lastAccessed, &lastValidated, &accessCount,
		&archived, &archiveReason, &supersedes, &supersededBy, &createdBy,
		&contentHash, &txnStart, &txnEnd, &validStart, &validEnd,
	); err != nil {
		return nil, err
	}

	m.Type = MemoryType(typ)
	m.Importance = Importance(importance)
	m.CreatedAt = timeFromUnix(createdAt)
	m.UpdatedAt = timeFromUnix(updatedAt)
	m.LastAccessed = timeFromUnix(lastAccessed)
	if lastValidated.Valid {
		m.LastValidated = timeFromUnix(lastValidated.Int64)
	}
	m.AccessCount = accessCount
	m.Archived = archived != 0
	m.ArchiveReason = archiveReason.String
	m.Supersedes = supersedes.String
	m.SupersededBy = supersededBy.String
	m.CreatedBy = createdBy.String
	m.ContentHash = contentHash.String
	m.TransactionTime.Start = timeFromUnix(txnStart)
	if txnEnd.Valid {
		m.TransactionTime.End = timeFromUnix(txnEnd.Int64)
	}
	m.ValidTime.Start = timeFromUnix(validStart)
	if validEnd.Valid {
		m.ValidTime.End = timeFromUnix(validEnd.Int64)
	}

	var env payloadEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}
	m.Citations = env.Citations
	m.Procedural = env.Procedural
	m.Episodic = env.Episodic
	m.PatternRationale = env.PatternRationale
	m.CodeSmell = env.CodeSmell
	m.DecisionContext = env.DecisionContext
	m.ConstraintOverride = env.ConstraintOverride
	m.Semantic = env.Semantic
	m.Tribal = env.Tribal

	return &m, nil
}

type link struct {
	kind, target string
}

func loadTagsAndLinks(db *sql.DB, id string) ([]string, []link, error) {
	var tags []string
	rows, err := db.Query(`SELECT tag FROM memory_tags WHERE memory_id = ?`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tags: %w", cortexerr.ErrStorageIO)
	}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, nil, err
		}
		tags = append(tags, t)
	}
	rows.Close()

	var links []link
	lrows, err := db.Query(`SELECT kind, target_id FROM memory_links WHERE memory_id = ?`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading links: %w", cortexerr.ErrStorageIO)
	}
	for lrows.Next() {
		var l link
		if err := lrows.Scan(&l.kind, &l.target); err != nil {
			lrows.Close()
			return nil, nil, err
		}
		links = append(links, l)
	}
	lrows.Close()

	return tags, links, nil
}

func applyLinks(m *Memory, links []link) {
	for _, l := range links {
		switch l.kind {
		case "pattern":
			m.LinkedPatterns = append(m.LinkedPatterns, l.target)
		case "constraint":
			m.LinkedConstraints = append(m.LinkedConstraints, l.target)
		case "file":
			m.LinkedFiles = append(m.LinkedFiles, l.target)
		case "function":
			m.LinkedFunctions = append(m.LinkedFunctions, l.target)
		}
	}
}

// MemoryPatch is a partial update; nil fields are left unchanged. This is
// the Δ of spec P2 (idempotent update).
type MemoryPatch struct {
	Summary    *string
	Confidence *float64
	Importance *Importance

	Tags              []string
	LinkedPatterns    []string
	LinkedConstraints []string
	LinkedFiles       []string
	LinkedFunctions   []string

	LastValidated *time.Time
	Citations     []Citation

	Procedural         *ProceduralPayload
	Episodic           *EpisodicPayload
	PatternRationale   *PatternRationalePayload
	CodeSmell          *CodeSmellPayload
	DecisionContext    *DecisionContextPayload
	ConstraintOverride *ConstraintOverridePayload
	Semantic           *SemanticPayload
	Tribal             *TribalPayload
}

// Update merges a partial, bumps updatedAt, and re-clamps confidence.
// Fails with NotFound if the id is unknown, or Archived if the memory is
// archived (callers must restore first). Returns whether summary changed;
// Update does not touch the embedding cache, so invalidating a cached
// embedding is left to the caller.
func (s *Store) Update(id string, patch MemoryPatch) (summaryChanged bool, err error) {
	timer := logging.StartTimer(logging.CategoryStore, "Update")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.getLocked(id, false)
	if err != nil {
		return false, err
	}
	if m.Archived {
		return false, fmt.Errorf("memory %s is archived: %w", id, cortexerr.ErrArchived)
	}

	if patch.Summary != nil && *patch.Summary != m.Summary {
		m.Summary = *patch.Summary
		summaryChanged = true
	}
	if patch.Confidence != nil {
		m.Confidence = clampConfidence(*patch.Confidence)
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.Tags != nil {
		m.Tags = patch.Tags
	}
	if patch.LinkedPatterns != nil {
		m.LinkedPatterns = patch.LinkedPatterns
	}
	if patch.LinkedConstraints != nil {
		m.LinkedConstraints = patch.LinkedConstraints
	}
	if patch.LinkedFiles != nil {
		m.LinkedFiles = patch.LinkedFiles
	}
	if patch.LinkedFunctions != nil {
		m.LinkedFunctions = patch.LinkedFunctions
	}
	if patch.LastValidated != nil {
		m.LastValidated = *patch.LastValidated
	}
	if patch.Citations != nil {
		m.Citations = patch.Citations
	}
	if patch.Procedural != nil {
		m.Procedural = patch.Procedural
	}
	if patch.Episodic != nil {
		m.Episodic = patch.Episodic
	}
	if patch.PatternRationale != nil {
		m.PatternRationale = patch.PatternRationale
	}
	if patch.CodeSmell != nil {
		m.CodeSmell = patch.CodeSmell
	}
	if patch.DecisionContext != nil {
		m.DecisionContext = patch.DecisionContext
	}
	if patch.ConstraintOverride != nil {
		m.ConstraintOverride = patch.ConstraintOverride
	}
	if patch.Semantic != nil {
		m.Semantic = patch.Semantic
	}
	if patch.Tribal != nil {
		m.Tribal = patch.Tribal
	}

	m.UpdatedAt = time.Now().UTC()
	if summaryChanged {
		m.ContentHash = identity.ContentHash(string(m.Type), m.Summary)
	}

	payload, merr := marshalPayload(m)
	if merr != nil {
		return false, fmt.Errorf("marshaling payload: %w", merr)
	}

	tx, terr := s.db.Begin()
	if terr != nil {
		return false, fmt.Errorf("beginning update transaction: %w", cortexerr.ErrStorageIO)
	}

	_, err = tx.Exec(`UPDATE memories SET
		payload_blob=?, confidence=?, importance=?, summary=?, updated_at=?,
		last_validated=?, content_hash=? WHERE id=?`,
		payload, m.Confidence, string(m.Importance), m.Summary, unixOrZero(m.UpdatedAt),
		nullableUnix(m.LastValidated), m.ContentHash, id,
	)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("updating memory %s: %w", id, cortexerr.ErrStorageIO)
	}

	if patch.Tags != nil {
		if err := clearTags(tx, id); err != nil {
			tx.Rollback()
			return false, err
		}
		if err := writeTags(tx, id, m.Tags); err != nil {
			tx.Rollback()
			return false, err
		}
	}
	if patch.LinkedPatterns != nil || patch.LinkedConstraints != nil || patch.LinkedFiles != nil || patch.LinkedFunctions != nil {
		if err := clearLinks(tx, id); err != nil {
			tx.Rollback()
			return false, err
		}
		if err := writeLinks(tx, id, m); err != nil {
			tx.Rollback()
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing update: %w", cortexerr.ErrStorageIO)
	}
	return summaryChanged, nil
}

// Delete hard-removes a memory together with its tag and link rows.
// Archive is the soft path. Edges referencing the id stay in causal_edges
// unchanged: Delete does not tombstone them (graph.TombstoneForMemory
// does, and Delete does not call it).
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getLocked(id, false); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", cortexerr.ErrStorageIO)
	}
	if _, err := tx.Exec(`DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting tags for %s: %w", id, cortexerr.ErrStorageIO)
	}
	if _, err := tx.Exec(`DELETE FROM memory_links WHERE memory_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting links for %s: %w", id, cortexerr.ErrStorageIO)
	}
	if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting memory %s: %w", id, cortexerr.ErrStorageIO)
	}
	return commitOrWrap(tx)
}

func commitOrWrap(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", cortexerr.ErrStorageIO)
	}
	return nil
}

// Archive soft-deletes a memory with a reason, excluding it from default
// retrieval (spec §3.1 invariant 4).
func (s *Store) Archive(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(id, false); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE memories SET archived=1, archive_reason=?, updated_at=? WHERE id=?`, reason, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("archiving memory %s: %w", id, cortexerr.ErrStorageIO)
	}
	return nil
}

// Restore reverses Archive, making the memory eligible for default
// retrieval again.
func (s *Store) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(id, false); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE memories SET archived=0, archive_reason='', updated_at=? WHERE id=?`, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("restoring memory %s: %w", id, cortexerr.ErrStorageIO)
	}
	return nil
}
