package store

import (
	"fmt"
	"sort"
	"strings"

	"cortex/internal/cortexerr"
	"cortex/internal/logging"
)

// buildWhere translates a normalized MemoryQuery into a SQL WHERE clause
// and its bind args. Joins against memory_tags/memory_links are expressed
// as correlated EXISTS subqueries so a memory matching multiple tags or
// links isn't duplicated in the result set.
func buildWhere(q MemoryQuery) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if !q.IncludeArchived {
		clauses = append(clauses, "archived = 0")
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(q.Importance) > 0 {
		placeholders := make([]string, len(q.Importance))
		for i, imp := range q.Importance {
			placeholders[i] = "?"
			args = append(args, string(imp))
		}
		clauses = append(clauses, fmt.Sprintf("importance IN (%s)", strings.Join(placeholders, ",")))
	}
	if q.MinConfidence != nil {
		clauses = append(clauses, "confidence >= ?")
		args = append(args, *q.MinConfidence)
	}
	if q.MaxConfidence != nil {
		clauses = append(clauses, "confidence <= ?")
		args = append(args, *q.MaxConfidence)
	}
	if q.MinAccessCount != nil {
		clauses = append(clauses, "access_count >= ?")
		args = append(args, *q.MinAccessCount)
	}
	if q.MinDate != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, q.MinDate.Unix())
	}
	if q.MaxDate != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, q.MaxDate.Unix())
	}
	if q.Text != "" {
		clauses = append(clauses, "summary LIKE ?")
		args = append(args, "%"+q.Text+"%")
	}
	for _, tag := range q.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_tags mt WHERE mt.memory_id = memories.id AND mt.tag = ?)")
		args = append(args, tag)
	}
	for _, f := range q.Files {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_links ml WHERE ml.memory_id = memories.id AND ml.kind='file' AND ml.target_id = ?)")
		args = append(args, f)
	}
	for _, p := range q.Patterns {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_links ml WHERE ml.memory_id = memories.id AND ml.kind='pattern' AND ml.target_id = ?)")
		args = append(args, p)
	}
	for _, c := range q.Constraints {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_links ml WHERE ml.memory_id = memories.id AND ml.kind='constraint' AND ml.target_id = ?)")
		args = append(args, c)
	}
	for _, fn := range q.Functions {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM memory_links ml WHERE ml.memory_id = memories.id AND ml.kind='function' AND ml.target_id = ?)")
		args = append(args, fn)
	}
	if q.ConsolidationStatus != nil {
		clauses = append(clauses, "json_extract(payload_blob, '$.episodic.ConsolidationStatus') = ?")
		args = append(args, string(*q.ConsolidationStatus))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return where, args
}

func orderClause(q MemoryQuery) string {
	col := map[OrderField]string{
		OrderCreatedAt:    "created_at",
		OrderUpdatedAt:    "updated_at",
		OrderConfidence:   "confidence",
		OrderAccessCount:  "access_count",
		OrderLastAccessed: "last_accessed",
	}[q.OrderBy]
	if col == "" {
		col = "created_at"
	}
	dir := "DESC"
	if q.OrderDir == Asc {
		dir = "ASC"
	}
	return fmt.Sprintf("ORDER BY %s %s", col, dir)
}

// Search returns matching memories in orderBy/orderDir order, honoring
// includeArchived=false by default (spec §4.1).
func (s *Store) Search(q MemoryQuery) ([]*Memory, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Search")
	defer timer.Stop()

	q = q.normalize()
	where, args := buildWhere(q)
	order := orderClause(q)

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`SELECT
		id, type, payload_blob, confidence, importance, summary,
		created_at, updated_at, last_accessed, last_validated, access_count,
		archived, archive_reason, supersedes, superseded_by, created_by,
		content_hash, txn_time_start, txn_time_end, valid_time_start, valid_time_end
		FROM memories %s %s LIMIT ? OFFSET ?`, where, order)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", cortexerr.ErrStorageIO)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning search result: %w", cortexerr.ErrStorageIO)
		}
		tags, links, lerr := loadTagsAndLinks(s.db, m.ID)
		if lerr != nil {
			return nil, lerr
		}
		m.Tags = tags
		applyLinks(m, links)
		out = append(out, m)
	}
	return out, nil
}

// FindByType is Search restricted to a single type.
func (s *Store) FindByType(t MemoryType, q MemoryQuery) ([]*Memory, error) {
	q.Types = []MemoryType{t}
	return s.Search(q)
}

// FindByFile is Search restricted to memories linked to file.
func (s *Store) FindByFile(file string, q MemoryQuery) ([]*Memory, error) {
	q.Files = append(q.Files, file)
	return s.Search(q)
}

// FindByPattern is Search restricted to memories linked to pattern.
func (s *Store) FindByPattern(patternID string, q MemoryQuery) ([]*Memory, error) {
	q.Patterns = append(q.Patterns, patternID)
	return s.Search(q)
}

// FindByConstraint is Search restricted to memories linked to constraint.
func (s *Store) FindByConstraint(constraintID string, q MemoryQuery) ([]*Memory, error) {
	q.Constraints = append(q.Constraints, constraintID)
	return s.Search(q)
}

// CountByType returns the count of non-archived memories per type.
func (s *Store) CountByType() (map[MemoryType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT type, COUNT(*) FROM memories WHERE archived = 0 GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("counting by type: %w", cortexerr.ErrStorageIO)
	}
	defer rows.Close()

	out := make(map[MemoryType]int64)
	for rows.Next() {
		var t string
		var c int64
		if err := rows.Scan(&t, &c); err != nil {
			return nil, err
		}
		out[MemoryType(t)] = c
	}
	return out, nil
}

// Count returns the count of memories matching q (ignoring Limit/Offset).
func (s *Store) Count(q MemoryQuery) (int64, error) {
	q = q.normalize()
	where, args := buildWhere(q)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM memories %s`, where)
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting memories: %w", cortexerr.ErrStorageIO)
	}
	return count, nil
}

// GetSummaries is Search projected to MemorySummary, the default shape
// returned by retrieval to keep L0/L1 budgets light (spec §4.4).
func (s *Store) GetSummaries(q MemoryQuery) ([]MemorySummary, error) {
	memories, err := s.Search(q)
	if err != nil {
		return nil, err
	}
	out := make([]MemorySummary, len(memories))
	for i, m := range memories {
		out[i] = m.ToSummary()
	}
	return out, nil
}

// SimilarityResult pairs a memory with its cosine similarity to a query
// vector.
type SimilarityResult struct {
	Memory     *Memory
	Similarity float64
}

// SimilaritySearch requires an external vector (no embedding computation
// happens here — that's internal/embedding's job) and returns
// (memory, similarity) tuples ordered desc by cosine similarity, ties
// breaking on confidence desc then createdAt desc (spec §4.1). vectors is
// keyed by memory id; callers typically source it from the embedding
// cache. Similarity is always computed by brute-force cosine over the
// candidates; a vec0 index is not used even when HasVectorExtension
// reports one.
func (s *Store) SimilaritySearch(queryVector []float64, vectors map[string][]float64, k int, q MemoryQuery) ([]SimilarityResult, error) {
	candidates, err := s.Search(q)
	if err != nil {
		return nil, err
	}

	var results []SimilarityResult
	for _, m := range candidates {
		vec, ok := vectors[m.ID]
		if !ok {
			continue
		}
		sim := CosineSimilarity(queryVector, vec)
		results = append(results, SimilarityResult{Memory: m, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Memory.Confidence != results[j].Memory.Confidence {
			return results[i].Memory.Confidence > results[j].Memory.Confidence
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// LinkToPattern attaches a pattern id to a memory's linkedPatterns set.
func (s *Store) LinkToPattern(memoryID, patternID string) error {
	return s.addLink(memoryID, "pattern", patternID)
}

// LinkToConstraint attaches a constraint id to a memory's
// linkedConstraints set.
func (s *Store) LinkToConstraint(memoryID, constraintID string) error {
	return s.addLink(memoryID, "constraint", constraintID)
}

func (s *Store) addLink(memoryID, kind, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(memoryID, false); err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO memory_links (memory_id, kind, target_id) VALUES (?, ?, ?)`, memoryID, kind, targetID); err != nil {
		return fmt.Errorf("linking %s to %s %s: %w", memoryID, kind, targetID, cortexerr.ErrStorageIO)
	}
	return nil
}
