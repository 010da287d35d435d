// Package compression projects memories to a token-budgeted level (L0–L3)
// per spec §4.5, with single-item selection and greedy batch packing.
package compression

import (
	"sort"
	"strings"

	"cortex/internal/graph"
	"cortex/internal/logging"
	"cortex/internal/store"
)

// Level is one of the four compression levels.
type Level int

const (
	L0 Level = iota
	L1
	L2
	L3
)

// levelBudget is a level's target and hard-max token counts.
type levelBudget struct {
	target int
	max    int
}

var budgets = map[Level]levelBudget{
	L0: {target: 5, max: 10},
	L1: {target: 50, max: 75},
	L2: {target: 200, max: 300},
	L3: {target: 500, max: 1000},
}

// TokenEstimator is the external interface (spec §6): deterministic token
// counting for a given text.
type TokenEstimator interface {
	Estimate(text string) int
}

// L0Payload is the id-only projection: always representable in ≤10 tokens.
type L0Payload struct {
	ID         string
	Type       store.MemoryType
	Importance store.Importance
}

// L1Payload adds a one-liner, up to 3 tags, and confidence.
type L1Payload struct {
	L0Payload
	OneLiner   string
	Tags       []string
	Confidence float64
}

// L2Details carries the bounded detail block L2 adds atop L1.
type L2Details struct {
	Knowledge string
	Example   string
	Evidence  []string
}

type L2Payload struct {
	L1Payload
	Details L2Details
}

// L3Full carries the unbounded detail block L3 adds atop L2.
type L3Full struct {
	CompleteKnowledge string
	AllExamples       []string
	AllEvidence       []string
	RelatedMemories   []string
	CausalChain       []string
	LinkedPatterns    []string
	LinkedConstraints []string
	LinkedFiles       []string
	LinkedFunctions   []string
}

type L3Payload struct {
	L2Payload
	Full L3Full
}

// Compressed is a single projected memory at whichever level was chosen.
type Compressed struct {
	MemoryID   string
	Level      Level
	TokenCount int
	L0         *L0Payload
	L1         *L1Payload
	L2         *L2Payload
	L3         *L3Payload
}

// Options configures a single-item compress() call (spec §4.5).
type Options struct {
	TargetLevel     Level
	MinLevel        Level
	MaxLevel        Level
	RemainingBudget int
	AllowEscalation bool
}

// DefaultOptions matches the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		TargetLevel:     L2,
		MinLevel:        L0,
		MaxLevel:        L3,
		RemainingBudget: budgets[L3].max,
		AllowEscalation: false,
	}
}

// Engine projects memories to compression levels using an injected
// TokenEstimator.
type Engine struct {
	estimator TokenEstimator
}

// NewEngine binds an Engine to a token estimator.
func NewEngine(estimator TokenEstimator) *Engine {
	return &Engine{estimator: estimator}
}

// Compress chooses a level for m per the spec §4.5 selection rule:
// start at targetLevel, step down while the projection exceeds the
// level's maxTokens or the remaining budget, then optionally step up one
// level if allowEscalation and the higher level still fits.
func (e *Engine) Compress(m *store.Memory, opts Options) *Compressed {
	timer := logging.StartTimer(logging.CategoryCompression, "Compress")
	defer timer.Stop()

	level := opts.TargetLevel
	if level > opts.MaxLevel {
		level = opts.MaxLevel
	}
	if level < opts.MinLevel {
		level = opts.MinLevel
	}

	projected := e.project(m, level)
	for level > opts.MinLevel && (projected.TokenCount > budgets[level].max || projected.TokenCount > opts.RemainingBudget) {
		level--
		projected = e.project(m, level)
	}

	if opts.AllowEscalation && level < opts.MaxLevel {
		next := level + 1
		candidate := e.project(m, next)
		if candidate.TokenCount <= budgets[next].max && candidate.TokenCount <= opts.RemainingBudget {
			level = next
			projected = candidate
		}
	}

	return projected
}

func (e *Engine) project(m *store.Memory, level Level) *Compressed {
	c := &Compressed{MemoryID: m.ID, Level: level}

	l0 := L0Payload{ID: m.ID, Type: m.Type, Importance: m.Importance}
	c.L0 = &l0
	if level == L0 {
		c.TokenCount = e.estimate(l0.ID + string(l0.Type) + string(l0.Importance))
		return c
	}

	tags := m.Tags
	if len(tags) > 3 {
		tags = tags[:3]
	}
	l1 := L1Payload{L0Payload: l0, OneLiner: m.Summary, Tags: tags, Confidence: m.Confidence}
	c.L1 = &l1
	if level == L1 {
		c.TokenCount = e.estimate(l1.OneLiner + strings.Join(l1.Tags, ","))
		return c
	}

	evidence := citationSnippets(m)
	if len(evidence) > 2 {
		evidence = evidence[:2]
	}
	l2 := L2Payload{
		L1Payload: l1,
		Details: L2Details{
			Knowledge: knowledgeText(m),
			Example:   firstExample(m),
			Evidence:  evidence,
		},
	}
	c.L2 = &l2
	if level == L2 {
		c.TokenCount = e.estimate(l1.OneLiner + l2.Details.Knowledge + l2.Details.Example + strings.Join(l2.Details.Evidence, " "))
		return c
	}

	l3 := L3Payload{
		L2Payload: l2,
		Full: L3Full{
			CompleteKnowledge: knowledgeText(m),
			AllExamples:       allExamples(m),
			AllEvidence:       citationSnippets(m),
			LinkedPatterns:    m.LinkedPatterns,
			LinkedConstraints: m.LinkedConstraints,
			LinkedFiles:       m.LinkedFiles,
			LinkedFunctions:   m.LinkedFunctions,
		},
	}
	c.L3 = &l3
	c.TokenCount = e.estimate(l3.Full.CompleteKnowledge + strings.Join(l3.Full.AllExamples, " ") + strings.Join(l3.Full.AllEvidence, " "))
	return c
}

func (e *Engine) estimate(text string) int {
	if e.estimator == nil {
		return len(strings.Fields(text))
	}
	return e.estimator.Estimate(text)
}

func knowledgeText(m *store.Memory) string {
	switch {
	case m.Semantic != nil:
		return m.Semantic.Knowledge
	case m.Procedural != nil:
		return strings.Join(m.Procedural.Steps, "; ")
	case m.DecisionContext != nil:
		return m.DecisionContext.Decision
	default:
		return m.Summary
	}
}

func firstExample(m *store.Memory) string {
	examples := allExamples(m)
	if len(examples) == 0 {
		return ""
	}
	return examples[0]
}

func allExamples(m *store.Memory) []string {
	if m.Procedural != nil {
		return m.Procedural.Checklist
	}
	return nil
}

func citationSnippets(m *store.Memory) []string {
	out := make([]string, 0, len(m.Citations))
	for _, c := range m.Citations {
		out = append(out, c.Snippet)
	}
	return out
}

// CausalChainIDs flattens a graph.CausalChain's node ids for the L3
// causalChain[] field.
func CausalChainIDs(chain *graph.CausalChain) []string {
	if chain == nil {
		return nil
	}
	return append([]string(nil), chain.Nodes...)
}

// Result is the outcome of compressBatch: the ordered compressed items
// plus aggregate metrics (spec §4.5).
type Result struct {
	Compressed              []*Compressed
	TotalTokens             int
	AverageCompressionRatio float64
	LevelBreakdown          map[Level]int
}

// CompressBatch greedily packs memories into budget, ordered by
// descending importance then confidence, projecting each at the highest
// level that still fits the remaining budget; once budget is exhausted,
// remaining items are emitted at L0 (spec §4.5, property P8).
func (e *Engine) CompressBatch(memories []*store.Memory, budget int) *Result {
	timer := logging.StartTimer(logging.CategoryCompression, "CompressBatch")
	defer timer.Stop()

	ordered := make([]*store.Memory, len(memories))
	copy(ordered, memories)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Importance != ordered[j].Importance {
			return importanceRank(ordered[i].Importance) > importanceRank(ordered[j].Importance)
		}
		return ordered[i].Confidence > ordered[j].Confidence
	})

	result := &Result{LevelBreakdown: make(map[Level]int)}
	remaining := budget

	for _, m := range ordered {
		var compressed *Compressed
		if remaining <= 0 {
			compressed = e.project(m, L0)
		} else {
			opts := DefaultOptions()
			opts.TargetLevel = L3 // batch packing tries the highest level that fits, not the single-item default
			opts.RemainingBudget = remaining
			compressed = e.Compress(m, opts)
		}
		result.Compressed = append(result.Compressed, compressed)
		result.TotalTokens += compressed.TokenCount
		result.LevelBreakdown[compressed.Level]++
		remaining -= compressed.TokenCount
		if remaining < 0 {
			remaining = 0
		}
	}

	if len(ordered) > 0 {
		originalTokens := 0
		for _, m := range ordered {
			originalTokens += e.estimate(m.Summary)
		}
		if originalTokens > 0 {
			result.AverageCompressionRatio = float64(result.TotalTokens) / float64(originalTokens)
		}
	}

	return result
}

func importanceRank(i store.Importance) int {
	switch i {
	case store.ImportanceCritical:
		return 3
	case store.ImportanceHigh:
		return 2
	case store.ImportanceNormal:
		return 1
	default:
		return 0
	}
}
