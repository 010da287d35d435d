// Package retrieval implements the search/listing surface over storage:
// semantic + filter search with progressive broadening, paginated
// listings, a file cross-index, and session-dedup annotation.
package retrieval

import (
	"context"

	"cortex/internal/logging"
	"cortex/internal/store"
)

// QueryOptions wraps a store.MemoryQuery with retrieval-specific knobs.
// The free-text query lives on Query.Text (store.MemoryQuery).
type QueryOptions struct {
	Query              store.MemoryQuery
	SessionID          string
	ExcludeAlreadySent bool
	K                  int
}

// Embedder is the narrow capability retrieval needs from the embedding
// subsystem: turn a query string into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSource supplies the candidate vectors similaritySearch compares
// against, keyed by memory id.
type VectorSource interface {
	VectorsForQuery(q store.MemoryQuery) (map[string][]float64, error)
}

// SessionLookup is the narrow capability retrieval needs from the
// session manager to annotate/deduplicate results.
type SessionLookup interface {
	IsLoaded(sessionID, memoryID string) bool
}

// Engine composes storage, an optional embedder, and an optional session
// lookup into the search surface described in spec §4.4.
type Engine struct {
	store     *store.Store
	embedder  Embedder
	vectors   VectorSource
	sessions  SessionLookup
}

// NewEngine wires an Engine. embedder and vectors may be nil, in which
// case search always falls back to filter search.
func NewEngine(s *store.Store, embedder Embedder, vectors VectorSource, sessions SessionLookup) *Engine {
	return &Engine{store: s, embedder: embedder, vectors: vectors, sessions: sessions}
}

// SearchResult pairs a summary with its dedup annotation.
type SearchResult struct {
	store.MemorySummary
	AlreadySent bool
}

// SearchResponse is the result of Search, including dedup accounting.
type SearchResponse struct {
	Results       []SearchResult
	Deduplicated  int
}

// Search performs text/natural-language search per spec §4.4: if an
// embedding provider and query text are present, it computes a query
// vector and runs similaritySearch; otherwise it falls back to filter
// search. Empty results trigger a broader re-query.
func (e *Engine) Search(ctx context.Context, opts QueryOptions) (*SearchResponse, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	summaries, err := e.searchOnce(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		if broadened, ok := broaden(opts.Query); ok {
			logging.RetrievalDebug("Search: empty result set, broadening filters")
			opts.Query = broadened
			summaries, err = e.searchOnce(ctx, opts)
			if err != nil {
				return nil, err
			}
		}
	}

	return e.annotate(summaries, opts), nil
}

func (e *Engine) searchOnce(ctx context.Context, opts QueryOptions) ([]store.MemorySummary, error) {
	if e.embedder != nil && e.vectors != nil && opts.Query.Text != "" {
		vec, err := e.embedder.Embed(ctx, opts.Query.Text)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Search: embedding query failed, falling back to filter search: %v", err)
		} else {
			candidates, err := e.vectors.VectorsForQuery(opts.Query)
			if err != nil {
				return nil, err
			}
			queryVec := make([]float64, len(vec))
			for i, f := range vec {
				queryVec[i] = float64(f)
			}
			k := opts.K
			if k <= 0 {
				k = 20
			}
			results, err := e.store.SimilaritySearch(queryVec, candidates, k, opts.Query)
			if err != nil {
				return nil, err
			}
			summaries := make([]store.MemorySummary, len(results))
			for i, r := range results {
				summaries[i] = r.Memory.ToSummary()
			}
			return summaries, nil
		}
	}

	return e.store.GetSummaries(opts.Query)
}

// broaden progressively relaxes a query's filters, returning false once
// nothing more can be relaxed.
func broaden(q store.MemoryQuery) (store.MemoryQuery, bool) {
	switch {
	case q.MinConfidence != nil:
		q.MinConfidence = nil
		return q, true
	case len(q.Importance) > 0:
		q.Importance = nil
		return q, true
	case len(q.Types) > 0:
		q.Types = nil
		return q, true
	default:
		return q, false
	}
}

func (e *Engine) annotate(summaries []store.MemorySummary, opts QueryOptions) *SearchResponse {
	resp := &SearchResponse{Results: make([]SearchResult, 0, len(summaries))}
	for _, s := range summaries {
		alreadySent := false
		if opts.SessionID != "" && e.sessions != nil {
			alreadySent = e.sessions.IsLoaded(opts.SessionID, s.ID)
		}
		if alreadySent && opts.ExcludeAlreadySent {
			resp.Deduplicated++
			continue
		}
		resp.Results = append(resp.Results, SearchResult{MemorySummary: s, AlreadySent: alreadySent})
	}
	return resp
}

// ListByCategory is a paginated filtered listing by memory type.
func (e *Engine) ListByCategory(t store.MemoryType, q store.MemoryQuery) ([]store.MemorySummary, error) {
	q.Types = []store.MemoryType{t}
	return e.store.GetSummaries(q)
}

// ListByStatus is a paginated filtered listing by consolidation status
// (meaningful for episodic memories).
func (e *Engine) ListByStatus(status store.ConsolidationStatus, q store.MemoryQuery) ([]store.MemorySummary, error) {
	q.ConsolidationStatus = &status
	return e.store.GetSummaries(q)
}

// GetPatternsByFile is the file cross-index: memories (of any type)
// citing the given file.
func (e *Engine) GetPatternsByFile(file string, q store.MemoryQuery) ([]*store.Memory, error) {
	return e.store.FindByFile(file, q)
}

// GetPattern returns the full payload for a single memory, bypassing the
// lightweight MemorySummary projection.
func (e *Engine) GetPattern(id string) (*store.Memory, error) {
	return e.store.Get(id)
}
