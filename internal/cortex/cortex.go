// Package cortex is the top-level engine handle: it owns construction
// and teardown of every subsystem (storage, causal graph, retrieval,
// compression, sessions, consolidation, validation, decay, embedding)
// behind one object, so a host process never reaches for a hidden
// package-level singleton (spec §9).
package cortex

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cortex/internal/compression"
	"cortex/internal/config"
	"cortex/internal/consolidation"
	"cortex/internal/decay"
	"cortex/internal/embedding"
	"cortex/internal/graph"
	"cortex/internal/logging"
	"cortex/internal/retrieval"
	"cortex/internal/session"
	"cortex/internal/store"
	"cortex/internal/validation"
)

// Cortex is the engine handle every consumer (CLI, editor extension, MCP
// surface — all out of scope here per spec.md §1) would hold.
type Cortex struct {
	Store         *store.Store
	Graph         *graph.Graph
	Retrieval     *retrieval.Engine
	Compression   *compression.Engine
	Sessions      *session.Manager
	Consolidation *consolidation.Scheduler
	Validation    *validation.Validator
	Decay         *decay.Engine

	embeddingEngine embedding.EmbeddingEngine
	embeddingCache  *embedding.Cache
	preloader       *embedding.Preloader
}

// charTokenEstimator is the default TokenEstimator when the caller does
// not supply one: chars/4, the same fast heuristic the teacher's prompt
// budget manager uses ahead of an actual tokenizer.
type charTokenEstimator struct{}

func (charTokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// storeVectorSource adapts *store.Store + *embedding.Cache to
// retrieval.VectorSource: resolve the query's candidate ids in storage,
// then pull whatever vectors are already cached for them. Memories never
// embedded (cache miss) are simply absent from the result, which
// retrieval treats as "no vector, fall through to filter ranking".
type storeVectorSource struct {
	store *store.Store
	cache *embedding.Cache
}

func (vs *storeVectorSource) VectorsForQuery(q store.MemoryQuery) (map[string][]float64, error) {
	candidates, err := vs.store.Search(q)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]float64, len(candidates))
	for _, m := range candidates {
		vec, ok, err := vs.cache.Get(m.ID)
		if err != nil || !ok {
			continue
		}
		f64 := make([]float64, len(vec))
		for i, f := range vec {
			f64[i] = float64(f)
		}
		out[m.ID] = f64
	}
	return out, nil
}

// embedderAdapter narrows embedding.EmbeddingEngine to retrieval.Embedder.
type embedderAdapter struct{ engine embedding.EmbeddingEngine }

func (a embedderAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	return a.engine.Embed(ctx, text)
}

// preloadSourceAdapter narrows *store.Store to embedding.PreloadSource:
// resolve an id to the text worth embedding (its summary) and whether its
// confidence clears the preloader's gate.
type preloadSourceAdapter struct {
	store *store.Store
}

func (a *preloadSourceAdapter) SummaryFor(id string) (string, float64, bool) {
	m, err := a.store.Peek(id)
	if err != nil {
		return "", 0, false
	}
	return m.Summary, m.Confidence, true
}

// New constructs every subsystem from cfg and opens the database at
// cfg.DBPath. embeddingOverride lets a caller supply a pre-built
// embedding.EmbeddingEngine (e.g. a test double) instead of letting New
// build one from cfg.Embedding; pass nil to build from config, or to
// disable embedding entirely set cfg.Embedding.Provider to "" and pass nil.
func New(cfg *config.Config, embeddingOverride embedding.EmbeddingEngine) (*Cortex, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("cortex: opening store: %w", err)
	}

	g, err := graph.NewGraph(s.DB(), s)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cortex: building graph: %w", err)
	}

	sessions, err := session.NewManager(s.DB(), cfg.Session)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("cortex: building session manager: %w", err)
	}

	c := &Cortex{
		Store:         s,
		Graph:         g,
		Sessions:      sessions,
		Compression:   compression.NewEngine(charTokenEstimator{}),
		Validation:    validation.NewValidator(s, g),
		Decay:         decay.NewEngine(s, cfg.Decay),
		Consolidation: consolidation.NewScheduler(s, g, cfg.Consolidation, zap.NewNop()),
	}

	engine := embeddingOverride
	if engine == nil && cfg.Embedding.Provider != "" {
		engine, err = embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
			TaskType:       cfg.Embedding.TaskType,
		})
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Warn("cortex: embedding provider unavailable, continuing without semantic search: %v", err)
			engine = nil
		}
	}

	var embedder retrieval.Embedder
	var vectors retrieval.VectorSource
	if engine != nil {
		cache, cerr := embedding.NewCache(s.DB(), engine, engine.Name())
		if cerr != nil {
			s.Close()
			return nil, fmt.Errorf("cortex: building embedding cache: %w", cerr)
		}
		c.embeddingEngine = engine
		c.embeddingCache = cache
		embedder = embedderAdapter{engine: engine}
		vectors = &storeVectorSource{store: s, cache: cache}

		preloadCfg := embedding.PreloaderConfig{
			MaxBatchSize:  cfg.Preloader.MaxBatchSize,
			MinConfidence: cfg.Preloader.MinConfidence,
			BatchDelay:    time.Duration(cfg.Preloader.BatchDelayMs) * time.Millisecond,
		}
		c.preloader = embedding.NewPreloader(cache, &preloadSourceAdapter{store: s}, preloadCfg)
	}

	c.Retrieval = retrieval.NewEngine(s, embedder, vectors, sessions)
	return c, nil
}

// Initialize starts the background consolidation scheduler and, if an
// embedding provider was wired and backgroundPreload is true, the
// background preloader (spec §4.2/§4.7). Safe to call once after New.
func (c *Cortex) Initialize(ctx context.Context, backgroundPreload bool) {
	c.Consolidation.Start(ctx)
	if c.preloader != nil && backgroundPreload {
		go func() {
			if err := c.preloader.Run(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryEmbedding).Warn("preloader stopped: %v", err)
			}
		}()
	}
}

// PreloadPredicted queues memory ids for background embedding precompute
// (spec §4.2 — e.g. ids a retrieval result predicts will be needed next).
// A no-op if no embedding provider was wired.
func (c *Cortex) PreloadPredicted(ids []string) {
	if c.preloader != nil {
		c.preloader.Enqueue(ids)
	}
}

// Shutdown stops background work and releases the database handle. Safe
// to call multiple times.
func (c *Cortex) Shutdown() error {
	c.Consolidation.Stop()
	return c.Store.Close()
}
