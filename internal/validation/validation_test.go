package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"cortex/internal/graph"
	"cortex/internal/identity"
	"cortex/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *graph.Graph) {
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
	return s, g
}

func fakeReader(files map[string]string) FileReader {
	return func(path string) ([]byte, error) {
		content, ok := files[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return []byte(content), nil
	}
}

func authTsLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = "line content unrelated to citation"
	}
	return strings.Join(lines, "\n")
}

// TestCitationDriftAndHeal covers spec end-to-end scenario 4: create a
// memory citing lines 10-20 of auth.ts, edit those lines, validate
// reports citation.drift, heal rewrites the hash, re-validate is clean.
func TestCitationDriftAndHeal(t *testing.T) {
	s, g := newTestStore(t)

	original := authTsLines(30)
	lines := strings.Split(original, "\n")
	for i := 9; i < 20; i++ {
		lines[i] = "original auth check"
	}
	originalFile := strings.Join(lines, "\n")
	hash := hashRegion([]byte(originalFile), 10, 20, 3)

	id, err := s.Create(&store.Memory{
		Type:       store.TypeTribal,
		Summary:    "auth.ts enforces session checks before routing",
		Confidence: 0.8,
		Tribal:     &store.TribalPayload{Source: "pairing session"},
		Citations:  []store.Citation{{File: "auth.ts", LineStart: 10, LineEnd: 20, Hash: hash}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	files := map[string]string{"auth.ts": originalFile}
	v := NewValidator(s, g, WithFileReader(fakeReader(files)))

	m, err := s.Peek(id)
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if issues := v.Validate(m); len(issues) != 0 {
		t.Fatalf("expected no issues before drift, got %+v", issues)
	}

	edited := make([]string, len(lines))
	copy(edited, lines)
	for i := 9; i < 20; i++ {
		edited[i] = "edited auth check with new guard clause"
	}
	files["auth.ts"] = strings.Join(edited, "\n")

	m, _ = s.Peek(id)
	issues := v.Validate(m)
	found := false
	for _, iss := range issues {
		if iss.Code == CodeCitationDrift {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected citation.drift issue after edit, got %+v", issues)
	}

	healResult, err := v.Heal(m, issues)
	if err != nil {
		t.Fatalf("heal failed: %v", err)
	}
	if len(healResult.Actions) == 0 {
		t.Fatal("expected heal to record at least one action")
	}

	m, _ = s.Peek(id)
	if remaining := v.Validate(m); len(remaining) != 0 {
		t.Errorf("expected no issues after heal, got %+v", remaining)
	}
}

func TestCitationMissingFileIsFatal(t *testing.T) {
	s, g := newTestStore(t)
	id, err := s.Create(&store.Memory{
		Type:      store.TypeTribal,
		Summary:   "some claim",
		Tribal:    &store.TribalPayload{Source: "x"},
		Citations: []store.Citation{{File: "gone.ts", LineStart: 1, LineEnd: 2, Hash: "deadbeef"}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	v := NewValidator(s, g, WithFileReader(fakeReader(map[string]string{})))
	m, _ := s.Peek(id)
	issues := v.Validate(m)
	if len(issues) != 1 || issues[0].Code != CodeCitationMissingFile || issues[0].Severity != SeverityFatal {
		t.Fatalf("expected a single fatal citation.missing_file issue, got %+v", issues)
	}
}

func TestTemporalStalenessHealBumpsConfidence(t *testing.T) {
	s, g := newTestStore(t)
	id, err := s.Create(&store.Memory{
		Type:       store.TypeSemantic,
		Summary:    "pagination guidance",
		Confidence: 0.5,
		Semantic:   &store.SemanticPayload{Topic: "pagination", Knowledge: "always paginate"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stale := time.Now().Add(-200 * 24 * time.Hour)
	if _, err := s.DB().Exec(`UPDATE memories SET created_at = ?, last_validated = NULL WHERE id = ?`, stale.Unix(), id); err != nil {
		t.Fatalf("backdating failed: %v", err)
	}

	v := NewValidator(s, g)
	m, _ := s.Peek(id)
	issues := v.Validate(m)

	found := false
	for _, iss := range issues {
		if iss.Code == CodeTemporalStale {
			found = true
			if iss.Severity != SeverityModerate {
				t.Errorf("expected moderate severity past 2x threshold, got %s", iss.Severity)
			}
		}
	}
	if !found {
		t.Fatalf("expected temporal.stale issue, got %+v", issues)
	}

	result, err := v.Heal(m, issues)
	if err != nil {
		t.Fatalf("heal failed: %v", err)
	}
	if len(result.Actions) == 0 {
		t.Fatal("expected at least one heal action")
	}

	m, _ = s.Peek(id)
	if m.Confidence <= 0.5 {
		t.Errorf("expected confidence bumped above 0.5, got %.3f", m.Confidence)
	}
	if m.LastValidated.IsZero() {
		t.Error("expected lastValidated set after heal")
	}
}

func TestContradictionIsNotAutoHealed(t *testing.T) {
	s, g := newTestStore(t)
	a, _ := s.Create(&store.Memory{Type: store.TypeSemantic, Summary: "a", Semantic: &store.SemanticPayload{Topic: "t", Knowledge: "always x"}})
	b, _ := s.Create(&store.Memory{Type: store.TypeSemantic, Summary: "b", Semantic: &store.SemanticPayload{Topic: "t", Knowledge: "never x"}})

	if _, err := g.CreateEdge(graph.CreateEdgeRequest{SourceID: a, TargetID: b, Relation: graph.RelationContradicts}); err != nil {
		t.Fatalf("CreateEdge failed: %v", err)
	}

	v := NewValidator(s, g)
	m, _ := s.Peek(a)
	issues := v.Validate(m)

	found := false
	for _, iss := range issues {
		if iss.Code == CodeContradictionActive {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected contradiction.active issue, got %+v", issues)
	}

	result, err := v.Heal(m, issues)
	if err != nil {
		t.Fatalf("heal failed: %v", err)
	}
	if len(result.Actions) != 0 {
		t.Errorf("expected contradiction issues to not be auto-healed, got actions %+v", result.Actions)
	}
}

func TestPatternMisalignedWhenResolverMisses(t *testing.T) {
	s, g := newTestStore(t)
	id, err := s.Create(&store.Memory{
		Type:           store.TypeCore,
		Summary:        "core rule",
		LinkedPatterns: []string{"pattern_missing"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	resolver := func(id string) (*PatternInfo, bool) { return nil, false }
	v := NewValidator(s, g, WithPatternResolver(resolver))
	m, _ := s.Peek(id)
	issues := v.Validate(m)

	found := false
	for _, iss := range issues {
		if iss.Code == CodePatternMisaligned {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pattern.misaligned issue, got %+v", issues)
	}
}

func TestHashRegionDeterministic(t *testing.T) {
	data := []byte(authTsLines(30))
	h1 := hashRegion(data, 10, 20, 3)
	h2 := hashRegion(data, 10, 20, 3)
	if h1 != h2 {
		t.Fatal("expected hashRegion to be deterministic")
	}
	want := identity.ContentHash(strings.Join(strings.Split(string(data), "\n")[6:23], "\n"))
	if h1 != want {
		t.Errorf("expected hashRegion to match a directly-computed region hash, got %s want %s", h1, want)
	}
}
