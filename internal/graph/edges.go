package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cortex/internal/cortexerr"
	"cortex/internal/identity"
	"cortex/internal/logging"
)

// MemoryExistence is the minimal capability the graph needs from the
// memory store: confirming an id resolves before an edge references it.
// Satisfied by *store.Store via its Exists method.
type MemoryExistence interface {
	Exists(id string) bool
}

// Graph owns the causal_edges table on the shared database connection.
type Graph struct {
	db       *sql.DB
	mu       sync.RWMutex
	memories MemoryExistence
}

// NewGraph creates the causal_edges table (if absent) and returns a Graph
// bound to db, checking edge endpoints against memories.
func NewGraph(db *sql.DB, memories MemoryExistence) (*Graph, error) {
	stmt := `CREATE TABLE IF NOT EXISTS causal_edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		strength REAL NOT NULL,
		inferred INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		validated_at INTEGER,
		created_by TEXT,
		evidence_blob TEXT NOT NULL DEFAULT '[]',
		tombstone INTEGER NOT NULL DEFAULT 0,
		UNIQUE(source_id, target_id, relation)
	)`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("creating causal_edges table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_causal_edges_source ON causal_edges(source_id)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_causal_edges_target ON causal_edges(target_id)`); err != nil {
		return nil, err
	}
	return &Graph{db: db, memories: memories}, nil
}

// CreateEdge normalizes strength to [0,1] (default 0.5), rejects
// self-loops, rejects cycles formed by "supersedes" (DAG property),
// rejects edges to/from unknown memories, and merges evidence + takes max
// strength on (source, target, relation) conflict (spec §4.3).
func (g *Graph) CreateEdge(req CreateEdgeRequest) (*Edge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "CreateEdge")
	defer timer.Stop()

	if req.SourceID == req.TargetID {
		return nil, fmt.Errorf("self-loop %s->%s: %w", req.SourceID, req.TargetID, cortexerr.ErrIntegrityViolation)
	}
	if g.memories != nil {
		if !g.memories.Exists(req.SourceID) {
			return nil, fmt.Errorf("source %s: %w", req.SourceID, cortexerr.ErrIntegrityViolation)
		}
		if !g.memories.Exists(req.TargetID) {
			return nil, fmt.Errorf("target %s: %w", req.TargetID, cortexerr.ErrIntegrityViolation)
		}
	}

	strength := 0.5
	if req.Strength != nil {
		strength = clampStrength(*req.Strength)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Relation == RelationSupersedes {
		if g.wouldCycleLocked(req.SourceID, req.TargetID) {
			return nil, fmt.Errorf("supersedes cycle %s->%s: %w", req.SourceID, req.TargetID, cortexerr.ErrIntegrityViolation)
		}
	}

	existing, err := g.findLocked(req.SourceID, req.TargetID, req.Relation)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Evidence = append(existing.Evidence, req.Evidence...)
		if strength > existing.Strength {
			existing.Strength = strength
		}
		if err := g.saveLocked(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	edge := &Edge{
		ID:        identity.NewEdgeID(),
		SourceID:  req.SourceID,
		TargetID:  req.TargetID,
		Relation:  req.Relation,
		Strength:  strength,
		Evidence:  req.Evidence,
		CreatedAt: time.Now().UTC(),
		Inferred:  req.Inferred,
		CreatedBy: req.CreatedBy,
	}
	if err := g.insertLocked(edge); err != nil {
		return nil, err
	}
	return edge, nil
}

func (g *Graph) insertLocked(e *Edge) error {
	blob, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	_, err = g.db.Exec(`INSERT INTO causal_edges
		(id, source_id, target_id, relation, strength, inferred, created_at, created_by, evidence_blob, tombstone)
		VALUES (?,?,?,?,?,?,?,?,?,0)`,
		e.ID, e.SourceID, e.TargetID, string(e.Relation), e.Strength, boolToInt(e.Inferred), e.CreatedAt.Unix(), e.CreatedBy, string(blob))
	if err != nil {
		return fmt.Errorf("inserting edge: %w", cortexerr.ErrStorageIO)
	}
	return nil
}

func (g *Graph) saveLocked(e *Edge) error {
	blob, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}
	_, err = g.db.Exec(`UPDATE causal_edges SET strength=?, evidence_blob=? WHERE id=?`, e.Strength, string(blob), e.ID)
	if err != nil {
		return fmt.Errorf("updating edge: %w", cortexerr.ErrStorageIO)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (g *Graph) findLocked(source, target string, relation Relation) (*Edge, error) {
	row := g.db.QueryRow(`SELECT id, source_id, target_id, relation, strength, inferred, created_at, validated_at, created_by, evidence_blob, tombstone
		FROM causal_edges WHERE source_id=? AND target_id=? AND relation=?`, source, target, string(relation))
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying edge: %w", cortexerr.ErrStorageIO)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEdge(row rowScanner) (*Edge, error) {
	var (
		e                      Edge
		relation               string
		inferred, tombstone    int
		createdAt              int64
		validatedAt            sql.NullInt64
		createdBy              sql.NullString
		evidenceBlob           string
	)
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &relation, &e.Strength, &inferred, &createdAt, &validatedAt, &createdBy, &evidenceBlob, &tombstone); err != nil {
		return nil, err
	}
	e.Relation = Relation(relation)
	e.Inferred = inferred != 0
	e.Tombstoned = tombstone != 0
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	if validatedAt.Valid {
		e.ValidatedAt = time.Unix(validatedAt.Int64, 0).UTC()
	}
	e.CreatedBy = createdBy.String
	if err := json.Unmarshal([]byte(evidenceBlob), &e.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshaling evidence: %w", err)
	}
	return &e, nil
}

// wouldCycleLocked reports whether adding a supersedes edge source->target
// would create a cycle in the supersedes-only subgraph: true if target can
// already reach source via supersedes edges.
func (g *Graph) wouldCycleLocked(source, target string) bool {
	visited := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == source {
			return true
		}
		rows, err := g.db.Query(`SELECT target_id FROM causal_edges WHERE source_id=? AND relation=? AND tombstone=0`, cur, string(RelationSupersedes))
		if err != nil {
			continue
		}
		for rows.Next() {
			var next string
			if rows.Scan(&next) == nil && !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
		rows.Close()
	}
	return false
}

// outgoingLocked returns non-tombstoned edges where id is the source,
// used by Traverse to follow the forward causal direction.
func (g *Graph) outgoingLocked(id string) ([]*Edge, error) {
	rows, err := g.db.Query(`SELECT id, source_id, target_id, relation, strength, inferred, created_at, validated_at, created_by, evidence_blob, tombstone
		FROM causal_edges WHERE source_id=? AND tombstone=0`, id)
	if err != nil {
		return nil, fmt.Errorf("querying outgoing edges: %w", cortexerr.ErrStorageIO)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// GetRelated returns edges incident to id (both directions), optionally
// restricted to a single relation.
func (g *Graph) GetRelated(id string, relation *Relation) ([]*Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	query := `SELECT id, source_id, target_id, relation, strength, inferred, created_at, validated_at, created_by, evidence_blob, tombstone
		FROM causal_edges WHERE (source_id=? OR target_id=?) AND tombstone=0`
	args := []interface{}{id, id}
	if relation != nil {
		query += " AND relation=?"
		args = append(args, string(*relation))
	}

	rows, err := g.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying related edges: %w", cortexerr.ErrStorageIO)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// TombstoneForMemory marks all edges incident to id as tombstoned rather
// than deleting them, so chain explanations remain historically
// explainable after the memory itself is deleted (spec §3.6).
func (g *Graph) TombstoneForMemory(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.db.Exec(`UPDATE causal_edges SET tombstone=1 WHERE source_id=? OR target_id=?`, id, id)
	if err != nil {
		return fmt.Errorf("tombstoning edges for %s: %w", id, cortexerr.ErrStorageIO)
	}
	return nil
}
