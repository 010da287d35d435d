package compression

import (
	"strings"
	"testing"

	"cortex/internal/store"
)

// wordEstimator counts whitespace-separated words, a deterministic stand-in
// for a real tokenizer (spec §6: "must be deterministic for a given input").
type wordEstimator struct{}

func (wordEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

func repeatWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "word"
	}
	return strings.Join(words, " ")
}

func TestCompressL0AlwaysUnderTenTokens(t *testing.T) {
	e := NewEngine(wordEstimator{})
	m := &store.Memory{ID: "mem_1", Type: store.TypeCore, Importance: store.ImportanceHigh, Summary: repeatWords(500)}

	opts := DefaultOptions()
	opts.TargetLevel = L0
	opts.MaxLevel = L0
	c := e.Compress(m, opts)
	if c.Level != L0 {
		t.Fatalf("expected L0, got %v", c.Level)
	}
	if c.TokenCount > 10 {
		t.Errorf("expected L0 representable in <=10 tokens, got %d", c.TokenCount)
	}
}

func TestCompressStepsDownWhenOverBudget(t *testing.T) {
	e := NewEngine(wordEstimator{})
	m := &store.Memory{
		ID: "mem_1", Type: store.TypeSemantic, Importance: store.ImportanceHigh,
		Summary:  repeatWords(40),
		Semantic: &store.SemanticPayload{Knowledge: repeatWords(600)},
	}

	opts := DefaultOptions()
	opts.TargetLevel = L2
	opts.RemainingBudget = 60

	c := e.Compress(m, opts)
	if c.Level >= L2 {
		t.Errorf("expected level stepped down below L2 when over budget, got %v", c.Level)
	}
}

func TestCompressEscalatesWhenRoom(t *testing.T) {
	e := NewEngine(wordEstimator{})
	m := &store.Memory{
		ID: "mem_1", Type: store.TypeSemantic, Importance: store.ImportanceHigh,
		Summary:  repeatWords(5),
		Semantic: &store.SemanticPayload{Knowledge: repeatWords(10)},
	}

	opts := DefaultOptions()
	opts.TargetLevel = L1
	opts.AllowEscalation = true
	opts.RemainingBudget = 1000

	c := e.Compress(m, opts)
	if c.Level <= L1 {
		t.Errorf("expected escalation past L1 when budget allows, got %v", c.Level)
	}
}

func TestCompressBatchScenario(t *testing.T) {
	// Three memories with summaries of ~20, ~40, ~600 tokens and budget=300
	// (spec end-to-end scenario 3): total must stay within budget and the
	// large third item must be forced down to L0 once budget tightens.
	e := NewEngine(wordEstimator{})
	memories := []*store.Memory{
		{ID: "a", Type: store.TypeCore, Importance: store.ImportanceHigh, Confidence: 0.9, Summary: repeatWords(20)},
		{ID: "b", Type: store.TypeCore, Importance: store.ImportanceHigh, Confidence: 0.8, Summary: repeatWords(40)},
		{ID: "c", Type: store.TypeCore, Importance: store.ImportanceHigh, Confidence: 0.7, Summary: repeatWords(600)},
	}

	result := e.CompressBatch(memories, 300)

	if result.TotalTokens > 300 {
		t.Errorf("expected total tokens <= budget 300, got %d", result.TotalTokens)
	}
	if len(result.Compressed) != 3 {
		t.Fatalf("expected 3 compressed items, got %d", len(result.Compressed))
	}
	for _, c := range result.Compressed {
		if c.Level < L0 {
			t.Errorf("expected every item at least L0, got %v for %s", c.Level, c.MemoryID)
		}
	}
	last := result.Compressed[2]
	if last.Level != L0 {
		t.Errorf("expected the ~600-token memory forced to L0 under a 300-token budget, got %v", last.Level)
	}
}

func TestCompressBatchOrdersByImportanceThenConfidence(t *testing.T) {
	e := NewEngine(wordEstimator{})
	memories := []*store.Memory{
		{ID: "low", Type: store.TypeCore, Importance: store.ImportanceLow, Confidence: 0.99, Summary: "x"},
		{ID: "critical", Type: store.TypeCore, Importance: store.ImportanceCritical, Confidence: 0.1, Summary: "y"},
	}

	result := e.CompressBatch(memories, 1000)
	if result.Compressed[0].MemoryID != "critical" {
		t.Errorf("expected critical-importance memory packed first, got %s", result.Compressed[0].MemoryID)
	}
}

func TestCompressBatchExhaustedBudgetFallsBackToL0(t *testing.T) {
	e := NewEngine(wordEstimator{})
	memories := []*store.Memory{
		{ID: "a", Type: store.TypeCore, Importance: store.ImportanceHigh, Confidence: 0.9, Summary: repeatWords(300)},
		{ID: "b", Type: store.TypeCore, Importance: store.ImportanceHigh, Confidence: 0.8, Summary: repeatWords(300)},
	}

	result := e.CompressBatch(memories, 50)
	last := result.Compressed[len(result.Compressed)-1]
	if last.Level != L0 {
		t.Errorf("expected last item emitted at L0 once budget exhausted, got %v", last.Level)
	}
}
