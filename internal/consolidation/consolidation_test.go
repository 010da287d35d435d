package consolidation

import (
	"context"
	"testing"
	"time"

	"cortex/internal/config"
	"cortex/internal/graph"
	"cortex/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g, err := graph.NewGraph(s.DB(), s)
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}

	cfg := config.ConsolidationConfig{
		MinAge:      24 * time.Hour,
		MaxEpisodes: 100,
		Enabled:     true,
	}
	sc := NewScheduler(s, g, cfg, nil)
	return sc, s
}

// backdate forces a memory's createdAt into the past, bypassing Create's
// now-stamping, so replay's minAge cutoff can be exercised deterministically.
func backdate(t *testing.T, s *store.Store, id string, age time.Duration) {
	t.Helper()
	when := time.Now().Add(-age).Unix()
	if _, err := s.DB().Exec(`UPDATE memories SET created_at = ? WHERE id = ?`, when, id); err != nil {
		t.Fatalf("backdate failed: %v", err)
	}
}

func seedEpisode(t *testing.T, s *store.Store, focus, fact string, confidence float64) string {
	t.Helper()
	id, err := s.Create(&store.Memory{
		Type:       store.TypeEpisodic,
		Summary:    "interaction about " + focus,
		Confidence: confidence,
		Importance: store.ImportanceNormal,
		Episodic: &store.EpisodicPayload{
			Interaction:         "user asked about " + focus,
			ContextFocus:        focus,
			ExtractedFacts:      []store.ExtractedFact{{Fact: fact, Confidence: confidence}},
			ConsolidationStatus: store.ConsolidationPending,
		},
	})
	if err != nil {
		t.Fatalf("seed episode failed: %v", err)
	}
	backdate(t, s, id, 2*24*time.Hour)
	return id
}

// TestConsolidationWorkedScenario mirrors the spec's end-to-end example:
// five episodic memories sharing focus "pagination" each extracting the
// same fact should integrate into exactly one semantic memory with
// supportingEvidence=5, and all five episodes archived as consolidated.
func TestConsolidationWorkedScenario(t *testing.T) {
	sc, s := newTestScheduler(t)

	var episodeIDs []string
	for i := 0; i < 5; i++ {
		episodeIDs = append(episodeIDs, seedEpisode(t, s, "pagination", "Always paginate queries", 0.7))
	}

	result := sc.Run(context.Background())
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected phase failures: %+v", result.Failures)
	}
	if result.Processed != 5 {
		t.Fatalf("expected 5 episodes processed, got %d", result.Processed)
	}
	if result.Abstracted != 1 {
		t.Fatalf("expected 1 abstracted group, got %d", result.Abstracted)
	}
	if result.Integrated != 1 {
		t.Fatalf("expected 1 integrated semantic fact, got %d", result.Integrated)
	}
	if result.Archived != 5 {
		t.Fatalf("expected 5 episodes archived, got %d", result.Archived)
	}

	peers, err := sc.findSemanticByTopic("pagination")
	if err != nil {
		t.Fatalf("findSemanticByTopic failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected exactly 1 semantic memory under topic pagination, got %d", len(peers))
	}
	if peers[0].Semantic.SupportingEvidence != 5 {
		t.Errorf("expected supportingEvidence=5, got %d", peers[0].Semantic.SupportingEvidence)
	}

	for _, id := range episodeIDs {
		m, err := s.Peek(id)
		if err != nil {
			t.Fatalf("Peek(%s) failed: %v", id, err)
		}
		if m.Episodic.ConsolidationStatus != store.ConsolidationConsolidated {
			t.Errorf("expected episode %s consolidationStatus=consolidated, got %s", id, m.Episodic.ConsolidationStatus)
		}
		if !m.Archived {
			t.Errorf("expected episode %s archived", id)
		}
	}
}

// TestConsolidationIdempotent is property P10: running the scheduler twice
// back-to-back produces zero new abstractions on the second run.
func TestConsolidationIdempotent(t *testing.T) {
	sc, s := newTestScheduler(t)
	for i := 0; i < 3; i++ {
		seedEpisode(t, s, "caching", "Cache invalidation is hard", 0.6)
	}

	first := sc.Run(context.Background())
	if first.Integrated != 1 {
		t.Fatalf("expected first run to integrate 1 fact, got %d", first.Integrated)
	}

	second := sc.Run(context.Background())
	if second.Processed != 0 {
		t.Errorf("expected 0 episodes eligible on second run, got %d", second.Processed)
	}
	if second.Abstracted != 0 || second.Integrated != 0 {
		t.Errorf("expected zero new abstractions/integrations on second run, got abstracted=%d integrated=%d",
			second.Abstracted, second.Integrated)
	}
}

// TestConsolidationContradiction verifies that a fact of opposite polarity
// to an already-integrated semantic memory produces a contradicts edge
// rather than overwriting the existing memory.
func TestConsolidationContradiction(t *testing.T) {
	sc, s := newTestScheduler(t)

	for i := 0; i < 2; i++ {
		seedEpisode(t, s, "retries", "Always retry on timeout", 0.8)
	}
	first := sc.Run(context.Background())
	if first.Integrated != 1 {
		t.Fatalf("expected first run to integrate 1 fact, got %d", first.Integrated)
	}

	for i := 0; i < 2; i++ {
		seedEpisode(t, s, "retries", "Never retry on timeout", 0.8)
	}
	second := sc.Run(context.Background())
	if second.Integrated != 1 {
		t.Fatalf("expected second run to integrate the conflicting fact as a new memory, got %d", second.Integrated)
	}

	peers, err := sc.findSemanticByTopic("retries")
	if err != nil {
		t.Fatalf("findSemanticByTopic failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 semantic memories under topic retries (original + conflicting), got %d", len(peers))
	}

	rel := graph.RelationContradicts
	edges, err := sc.graph.GetRelated(peers[0].ID, &rel)
	if err != nil {
		t.Fatalf("GetRelated failed: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("expected 1 contradicts edge between the two memories, got %d", len(edges))
	}
}

// TestConsolidationSkipsSingleMemberGroups ensures the abstraction phase's
// ≥2-members-per-group threshold (spec §4.7 phase 2) prevents a lone
// episode from ever producing a semantic memory.
func TestConsolidationSkipsSingleMemberGroups(t *testing.T) {
	sc, s := newTestScheduler(t)
	seedEpisode(t, s, "solo-topic", "A one-off observation", 0.9)

	result := sc.Run(context.Background())
	if result.Abstracted != 0 {
		t.Errorf("expected 0 abstracted groups for a single-member focus, got %d", result.Abstracted)
	}
	if result.Integrated != 0 {
		t.Errorf("expected 0 integrated facts, got %d", result.Integrated)
	}
}

// TestConsolidationStrengthensFrequentlyAccessedMemories covers phase 5:
// memories with accessCount >= 5 get a confidence boost.
func TestConsolidationStrengthensFrequentlyAccessedMemories(t *testing.T) {
	sc, s := newTestScheduler(t)

	id, err := s.Create(&store.Memory{
		Type:       store.TypeCore,
		Summary:    "frequently referenced constraint",
		Confidence: 0.5,
		Importance: store.ImportanceHigh,
	})
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := s.Get(id); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}

	strengthened, err := sc.strengthen()
	if err != nil {
		t.Fatalf("strengthen failed: %v", err)
	}
	if strengthened != 1 {
		t.Fatalf("expected 1 memory strengthened, got %d", strengthened)
	}

	m, err := s.Peek(id)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if m.Confidence <= 0.5 {
		t.Errorf("expected confidence boosted above 0.5, got %.3f", m.Confidence)
	}
}
