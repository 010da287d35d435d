package embedding

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	dims  int
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	dims := f.dims
	if dims == 0 {
		dims = 4
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = float32(len(text) + i)
	}
	return vec, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 4 }
func (f *fakeEngine) Name() string    { return "fake" }

func newTestCache(t *testing.T) (*Cache, *fakeEngine) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine := &fakeEngine{}
	cache, err := NewCache(db, engine, "v1")
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	return cache, engine
}

func TestGetOrComputeCachesResult(t *testing.T) {
	cache, engine := newTestCache(t)
	ctx := context.Background()

	v1, err := cache.GetOrCompute(ctx, "mem-1", "some summary text")
	if err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	v2, err := cache.GetOrCompute(ctx, "mem-1", "some summary text")
	if err != nil {
		t.Fatalf("GetOrCompute (cached) failed: %v", err)
	}
	if fmt.Sprint(v1) != fmt.Sprint(v2) {
		t.Error("expected identical cached vector on second call")
	}
	if engine.calls != 1 {
		t.Errorf("expected engine invoked exactly once, got %d calls", engine.calls)
	}
}

func TestInvalidateForcesRecompute(t *testing.T) {
	cache, engine := newTestCache(t)
	ctx := context.Background()

	if _, err := cache.GetOrCompute(ctx, "mem-1", "v1 text"); err != nil {
		t.Fatalf("GetOrCompute failed: %v", err)
	}
	if err := cache.Invalidate("mem-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := cache.GetOrCompute(ctx, "mem-1", "v2 text"); err != nil {
		t.Fatalf("GetOrCompute after invalidate failed: %v", err)
	}
	if engine.calls != 2 {
		t.Errorf("expected recompute after invalidate, got %d calls", engine.calls)
	}
}

func TestGetReturnsNotOKWhenAbsent(t *testing.T) {
	cache, _ := newTestCache(t)
	_, ok, err := cache.Get("missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected ok=false for uncached id")
	}
}
