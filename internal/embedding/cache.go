package embedding

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"
)

// Cache memoizes a memory's summary embedding keyed by
// (providerName, providerVersion, memoryId). An entry is removed only by
// Invalidate: store.Update reports a summary change through its return
// value and does not call Invalidate, so after a summary changes the old
// vector stays cached until a caller invalidates it.
type Cache struct {
	db      *sql.DB
	mu      sync.RWMutex
	engine  EmbeddingEngine
	version string
}

// NewCache creates the embeddings table (if absent) on db and binds it
// to engine for on-demand computation.
func NewCache(db *sql.DB, engine EmbeddingEngine, providerVersion string) (*Cache, error) {
	stmt := `CREATE TABLE IF NOT EXISTS embeddings (
		provider_name TEXT NOT NULL,
		provider_version TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		vector_blob BLOB NOT NULL,
		dimensions INTEGER NOT NULL,
		computed_at INTEGER NOT NULL,
		PRIMARY KEY (provider_name, provider_version, memory_id)
	)`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("creating embeddings table: %w", err)
	}
	return &Cache{db: db, engine: engine, version: providerVersion}, nil
}

// Get returns the cached embedding for memoryId if present.
func (c *Cache) Get(memoryID string) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var blob []byte
	var dims int
	err := c.db.QueryRow(`SELECT vector_blob, dimensions FROM embeddings
		WHERE provider_name=? AND provider_version=? AND memory_id=?`,
		c.engine.Name(), c.version, memoryID).Scan(&blob, &dims)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached embedding: %w", err)
	}
	return decodeVector(blob, dims), true, nil
}

// GetOrCompute returns the cached embedding, computing and storing it via
// the bound engine if absent.
func (c *Cache) GetOrCompute(ctx context.Context, memoryID, summary string) ([]float32, error) {
	if v, ok, err := c.Get(memoryID); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}

	vec, err := c.engine.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("computing embedding for %s: %w", memoryID, err)
	}
	if err := c.put(memoryID, vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (c *Cache) put(memoryID string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	blob := encodeVector(vec)
	_, err := c.db.Exec(`INSERT INTO embeddings (provider_name, provider_version, memory_id, vector_blob, dimensions, computed_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(provider_name, provider_version, memory_id) DO UPDATE SET vector_blob=excluded.vector_blob, dimensions=excluded.dimensions, computed_at=excluded.computed_at`,
		c.engine.Name(), c.version, memoryID, blob, len(vec), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("storing embedding for %s: %w", memoryID, err)
	}
	return nil
}

// Invalidate drops the cached embedding for memoryId. Nothing in this
// module calls it when a memory's summary changes.
func (c *Cache) Invalidate(memoryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(`DELETE FROM embeddings WHERE provider_name=? AND provider_version=? AND memory_id=?`,
		c.engine.Name(), c.version, memoryID)
	if err != nil {
		return fmt.Errorf("invalidating embedding for %s: %w", memoryID, err)
	}
	return nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

func decodeVector(b []byte, dims int) []float32 {
	out := make([]float32, dims)
	for i := 0; i < dims && 4*i+3 < len(b); i++ {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
