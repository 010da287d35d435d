package graph

import (
	"testing"
	"time"
)

func TestTemporalProximityDropsBelowFloor(t *testing.T) {
	strat := TemporalProximity{}
	now := time.Now()
	m := Candidate{ID: "m", Type: "core", OccurredAt: now}
	farButInWindow := Candidate{ID: "c", Type: "core", OccurredAt: now.Add(-23 * time.Hour)}

	edges := strat.Infer(m, []Candidate{farButInWindow})
	if len(edges) != 0 {
		t.Errorf("expected low-confidence temporal edge dropped, got %d", len(edges))
	}
}

func TestTemporalProximityCloseInTimeYieldsHighConfidence(t *testing.T) {
	strat := TemporalProximity{}
	now := time.Now()
	m := Candidate{ID: "m", Type: "core", OccurredAt: now}
	close := Candidate{ID: "c", Type: "other", OccurredAt: now.Add(-5 * time.Minute)}

	edges := strat.Infer(m, []Candidate{close})
	if len(edges) != 1 {
		t.Fatalf("expected 1 inferred edge, got %d", len(edges))
	}
	if *edges[0].Strength <= 0.2 {
		t.Errorf("expected confidence above floor, got %v", *edges[0].Strength)
	}
}

func TestTemporalProximityRelationSelection(t *testing.T) {
	strat := TemporalProximity{}
	now := time.Now()
	m := Candidate{ID: "m", Type: "core", OccurredAt: now}

	episodic := Candidate{ID: "e", Type: "episodic", OccurredAt: now.Add(-time.Minute)}
	edges := strat.Infer(m, []Candidate{episodic})
	if len(edges) != 1 || edges[0].Relation != RelationTriggeredBy {
		t.Errorf("expected triggered_by for episodic candidate, got %v", edges)
	}

	sameType := Candidate{ID: "s", Type: "core", OccurredAt: now.Add(-time.Minute)}
	edges = strat.Infer(m, []Candidate{sameType})
	if len(edges) != 1 || edges[0].Relation != RelationDerivedFrom {
		t.Errorf("expected derived_from for earlier same-type candidate, got %v", edges)
	}
}

func TestSemanticSimilarityThreshold(t *testing.T) {
	strat := SemanticSimilarity{SimilarityThreshold: 0.9}
	m := Candidate{ID: "m", Embedding: []float64{1, 0, 0}, Summary: "uses retries"}
	similar := Candidate{ID: "s", Embedding: []float64{1, 0, 0}, Summary: "uses retries too"}
	dissimilar := Candidate{ID: "d", Embedding: []float64{0, 1, 0}, Summary: "unrelated"}

	edges := strat.Infer(m, []Candidate{similar, dissimilar})
	if len(edges) != 1 || edges[0].TargetID != "s" {
		t.Errorf("expected only the similar candidate linked, got %v", edges)
	}
}

func TestSemanticSimilarityContradiction(t *testing.T) {
	strat := SemanticSimilarity{SimilarityThreshold: 0.9}
	m := Candidate{ID: "m", Embedding: []float64{1, 0, 0}, Summary: "retries are safe here"}
	contradicting := Candidate{ID: "c", Embedding: []float64{1, 0, 0}, Summary: "retries are not safe here"}

	edges := strat.Infer(m, []Candidate{contradicting})
	if len(edges) != 1 || edges[0].Relation != RelationContradicts {
		t.Errorf("expected contradicts relation, got %v", edges)
	}
}

func TestEntityOverlapJaccard(t *testing.T) {
	strat := EntityOverlap{JaccardThreshold: 0.3}
	m := Candidate{ID: "m", LinkedFiles: []string{"a.go", "b.go"}}
	overlapping := Candidate{ID: "o", LinkedFiles: []string{"a.go", "c.go"}}
	disjoint := Candidate{ID: "x", LinkedFiles: []string{"z.go"}}

	edges := strat.Infer(m, []Candidate{overlapping, disjoint})
	if len(edges) != 1 || edges[0].TargetID != "o" {
		t.Errorf("expected only overlapping candidate linked, got %v", edges)
	}
}

func TestExplicitReferenceExtractsIDTokens(t *testing.T) {
	strat := ExplicitReference{}
	m := Candidate{ID: "m", Summary: "this follows from #mem_123abc directly"}
	referenced := Candidate{ID: "mem_123abc"}
	other := Candidate{ID: "mem_999zzz"}

	edges := strat.Infer(m, []Candidate{referenced, other})
	if len(edges) != 1 || edges[0].TargetID != "mem_123abc" {
		t.Errorf("expected only referenced id linked, got %v", edges)
	}
}

func TestPatternMatchingSharedPattern(t *testing.T) {
	strat := PatternMatching{}
	m := Candidate{ID: "m", LinkedPatterns: []string{"pattern-1"}}
	shared := Candidate{ID: "s", LinkedPatterns: []string{"pattern-1"}}
	unrelated := Candidate{ID: "u", LinkedPatterns: []string{"pattern-2"}}

	edges := strat.Infer(m, []Candidate{shared, unrelated})
	if len(edges) != 1 || edges[0].TargetID != "s" {
		t.Errorf("expected only shared-pattern candidate linked, got %v", edges)
	}
}

func TestFileCoOccurrenceOverlappingLines(t *testing.T) {
	strat := FileCoOccurrence{}
	m := Candidate{ID: "m", Citations: []FileRange{{File: "auth.go", LineStart: 10, LineEnd: 30}}}
	overlapping := Candidate{ID: "o", Citations: []FileRange{{File: "auth.go", LineStart: 25, LineEnd: 40}}}
	nonOverlapping := Candidate{ID: "n", Citations: []FileRange{{File: "auth.go", LineStart: 100, LineEnd: 120}}}

	edges := strat.Infer(m, []Candidate{overlapping, nonOverlapping})
	if len(edges) != 1 || edges[0].TargetID != "o" {
		t.Errorf("expected only the overlapping citation linked, got %v", edges)
	}
}
