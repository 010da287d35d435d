package store

import "testing"

func TestSearchFiltersByType(t *testing.T) {
	s := newTestStore(t)
	s.Create(&Memory{Type: TypeCore, Summary: "core one"})
	s.Create(&Memory{Type: TypeTribal, Summary: "tribal one", Tribal: &TribalPayload{}})

	q := DefaultQuery()
	q.Types = []MemoryType{TypeTribal}
	results, err := s.Search(q)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].Type != TypeTribal {
		t.Errorf("expected 1 tribal result, got %d", len(results))
	}
}

func TestFindByFileAndLinkToPattern(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.Create(&Memory{
		Type:         TypeCodeSmell,
		Summary:      "duplicated validation logic",
		LinkedFiles:  []string{"auth.ts"},
		CodeSmell:    &CodeSmellPayload{SmellKind: "duplication"},
	})

	if err := s.LinkToPattern(id, "pattern-42"); err != nil {
		t.Fatalf("LinkToPattern failed: %v", err)
	}

	byFile, err := s.FindByFile("auth.ts", DefaultQuery())
	if err != nil {
		t.Fatalf("FindByFile failed: %v", err)
	}
	if len(byFile) != 1 || byFile[0].ID != id {
		t.Fatalf("expected to find memory by file, got %d results", len(byFile))
	}
	found := false
	for _, p := range byFile[0].LinkedPatterns {
		if p == "pattern-42" {
			found = true
		}
	}
	if !found {
		t.Error("expected linked pattern to be present after LinkToPattern")
	}

	byPattern, err := s.FindByPattern("pattern-42", DefaultQuery())
	if err != nil {
		t.Fatalf("FindByPattern failed: %v", err)
	}
	if len(byPattern) != 1 || byPattern[0].ID != id {
		t.Errorf("expected to find memory by pattern, got %d results", len(byPattern))
	}
}

func TestCountByType(t *testing.T) {
	s := newTestStore(t)
	s.Create(&Memory{Type: TypeCore, Summary: "a"})
	s.Create(&Memory{Type: TypeCore, Summary: "b"})
	s.Create(&Memory{Type: TypeTribal, Summary: "c", Tribal: &TribalPayload{}})

	counts, err := s.CountByType()
	if err != nil {
		t.Fatalf("CountByType failed: %v", err)
	}
	if counts[TypeCore] != 2 {
		t.Errorf("expected 2 core memories, got %d", counts[TypeCore])
	}
	if counts[TypeTribal] != 1 {
		t.Errorf("expected 1 tribal memory, got %d", counts[TypeTribal])
	}
}

func TestSimilaritySearchOrdersByCosineThenConfidenceThenRecency(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.Create(&Memory{Type: TypeCore, Summary: "a", Confidence: 0.9})
	b, _ := s.Create(&Memory{Type: TypeCore, Summary: "b", Confidence: 0.5})

	vectors := map[string][]float64{
		a: {1, 0, 0},
		b: {1, 0, 0}, // identical similarity, should be broken by confidence
	}

	results, err := s.SimilaritySearch([]float64{1, 0, 0}, vectors, 10, DefaultQuery())
	if err != nil {
		t.Fatalf("SimilaritySearch failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Memory.ID != a {
		t.Errorf("expected higher-confidence memory first on similarity tie, got %s", results[0].Memory.ID)
	}
}

func TestGetSummariesProjectsLightweightFields(t *testing.T) {
	s := newTestStore(t)
	s.Create(&Memory{Type: TypeCore, Summary: "light summary", Confidence: 0.6})

	summaries, err := s.GetSummaries(DefaultQuery())
	if err != nil {
		t.Fatalf("GetSummaries failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].Summary != "light summary" {
		t.Errorf("expected summary to carry through, got %q", summaries[0].Summary)
	}
}
