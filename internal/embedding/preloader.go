package embedding

import (
	"context"
	"sync"
	"time"

	"cortex/internal/logging"

	"golang.org/x/sync/errgroup"
)

// PreloadSource resolves a memory id to the text that should be embedded,
// and reports whether it meets the preloader's confidence gate.
type PreloadSource interface {
	SummaryFor(id string) (summary string, confidence float64, ok bool)
}

// PreloaderConfig controls background batch preloading (spec §4.2).
type PreloaderConfig struct {
	MaxBatchSize  int
	MinConfidence float64
	BatchDelay    time.Duration
	Concurrency   int
}

func (c PreloaderConfig) normalized() PreloaderConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Preloader drains a single FIFO queue of predicted memory ids, computing
// and caching their embeddings in batches. Preload is at-most-once per id
// per process lifetime: ids already attempted are never re-queued.
type Preloader struct {
	cache  *Cache
	source PreloadSource
	cfg    PreloaderConfig

	mu      sync.Mutex
	queue   []string
	queued  map[string]bool
	done    map[string]bool
	wake    chan struct{}
	started bool
}

// NewPreloader binds a preloader to cache, drawing candidate text from
// source.
func NewPreloader(cache *Cache, source PreloadSource, cfg PreloaderConfig) *Preloader {
	return &Preloader{
		cache:  cache,
		source: source,
		cfg:    cfg.normalized(),
		queued: make(map[string]bool),
		done:   make(map[string]bool),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends ids to the FIFO queue. Ids already queued or already
// preloaded this process lifetime are skipped. New ids arriving mid-drain
// are appended and processed after the current batch (spec §4.2).
func (p *Preloader) Enqueue(ids []string) {
	p.mu.Lock()
	for _, id := range ids {
		if p.queued[id] || p.done[id] {
			continue
		}
		p.queued[id] = true
		p.queue = append(p.queue, id)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, honoring the configured
// inter-batch delay. This is the cooperative task the spec describes:
// a single drain loop, not one goroutine per id.
func (p *Preloader) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}

		for {
			batch := p.nextBatch()
			if len(batch) == 0 {
				break
			}
			if err := p.processBatch(ctx, batch); err != nil {
				return err
			}
			if p.cfg.BatchDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(p.cfg.BatchDelay):
				}
			}
		}
	}
}

func (p *Preloader) nextBatch() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	n := p.cfg.MaxBatchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := p.queue[:n]
	p.queue = p.queue[n:]
	return batch
}

func (p *Preloader) processBatch(ctx context.Context, batch []string) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.Concurrency)

	for _, id := range batch {
		id := id
		eg.Go(func() error {
			p.preloadOne(egCtx, id)
			return nil
		})
	}
	return eg.Wait()
}

func (p *Preloader) preloadOne(ctx context.Context, id string) {
	defer func() {
		p.mu.Lock()
		p.queued[id] = false
		p.done[id] = true
		p.mu.Unlock()
	}()

	summary, confidence, ok := p.source.SummaryFor(id)
	if !ok || confidence < p.cfg.MinConfidence {
		logging.EmbeddingDebug("Preloader: skipping %s (confidence=%.2f below gate %.2f or missing)", id, confidence, p.cfg.MinConfidence)
		return
	}
	if _, err := p.cache.GetOrCompute(ctx, id, summary); err != nil {
		logging.Get(logging.CategoryEmbedding).Warn("Preloader: failed to compute embedding for %s: %v", id, err)
	}
}
