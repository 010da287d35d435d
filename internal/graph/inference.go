package graph

import (
	"math"
	"strings"
	"time"
)

// Candidate is the minimal view of a memory an inference strategy needs:
// enough to compute temporal/semantic/entity/text signals without the
// graph package importing store directly (keeps store/graph acyclic in
// either direction).
type Candidate struct {
	ID             string
	Type           string
	OccurredAt     time.Time
	Embedding      []float64
	LinkedFiles    []string
	LinkedPatterns []string
	LinkedConstraints []string
	Summary        string
	Citations      []FileRange
}

// FileRange is a citation's file + line span, used by file_co_occurrence.
type FileRange struct {
	File      string
	LineStart int
	LineEnd   int
}

// Strategy is a capability trait: given a memory and a candidate set,
// it proposes inferred edges. Strategies are registered as a plain slice,
// not a class hierarchy, per spec.md §9's capability-trait redesign note.
type Strategy interface {
	Name() string
	Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest
}

// DefaultStrategies returns the 6 inference strategies from spec §4.3.
func DefaultStrategies() []Strategy {
	return []Strategy{
		TemporalProximity{},
		SemanticSimilarity{SimilarityThreshold: 0.75},
		EntityOverlap{JaccardThreshold: 0.3},
		ExplicitReference{},
		PatternMatching{},
		FileCoOccurrence{},
	}
}

func evidence(t EvidenceType, desc string, confidence float64) Evidence {
	return Evidence{Type: t, Description: desc, Confidence: confidence, At: time.Now().UTC()}
}

func strengthPtr(v float64) *float64 { return &v }

// TemporalProximity infers edges between memories close in time.
type TemporalProximity struct {
	MaxTimeDifference    time.Duration
	BaseConfidence       float64
	HighConfidenceWindow time.Duration
}

func (t TemporalProximity) Name() string { return "temporal_proximity" }

func (t TemporalProximity) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	maxDiff := t.MaxTimeDifference
	if maxDiff == 0 {
		maxDiff = 24 * time.Hour
	}
	base := t.BaseConfidence
	if base == 0 {
		base = 0.4
	}
	window := t.HighConfidenceWindow
	if window == 0 {
		window = time.Hour
	}

	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID || m.OccurredAt.IsZero() || c.OccurredAt.IsZero() {
			continue
		}
		delta := m.OccurredAt.Sub(c.OccurredAt)
		abs := delta
		if abs < 0 {
			abs = -abs
		}
		if abs > maxDiff {
			continue
		}
		confidence := base * math.Exp(-float64(abs)/float64(window))
		if confidence < 0.2 {
			continue
		}

		earlier := c.OccurredAt.Before(m.OccurredAt)
		relation := relationForTemporal(m, c, earlier)

		out = append(out, CreateEdgeRequest{
			SourceID: c.ID,
			TargetID: m.ID,
			Relation: relation,
			Strength: strengthPtr(confidence),
			Evidence: []Evidence{evidence(EvidenceTemporal, "temporal proximity", confidence)},
			Inferred: true,
		})
	}
	return out
}

func relationForTemporal(m, c Candidate, earlier bool) Relation {
	switch {
	case c.Type == "episodic":
		return RelationTriggeredBy
	case c.Type == "pattern_rationale":
		return RelationEnabled
	case c.Type == m.Type:
		if earlier {
			return RelationDerivedFrom
		}
		return RelationSupports
	default:
		if earlier {
			return RelationCaused
		}
		return RelationSupports
	}
}

// SemanticSimilarity infers edges from cosine similarity of embeddings.
type SemanticSimilarity struct {
	SimilarityThreshold float64
}

func (s SemanticSimilarity) Name() string { return "semantic_similarity" }

func (s SemanticSimilarity) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	if len(m.Embedding) == 0 {
		return nil
	}
	threshold := s.SimilarityThreshold
	if threshold == 0 {
		threshold = 0.75
	}

	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID || len(c.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(m.Embedding, c.Embedding)
		if sim < threshold {
			continue
		}
		relation := RelationSupports
		if contrastSign(m.Summary, c.Summary) < 0 {
			relation = RelationContradicts
		}
		out = append(out, CreateEdgeRequest{
			SourceID: m.ID,
			TargetID: c.ID,
			Relation: relation,
			Strength: strengthPtr(sim),
			Evidence: []Evidence{evidence(EvidenceSemantic, "embedding cosine similarity", sim)},
			Inferred: true,
		})
	}
	return out
}

// contrastSign is a crude lexical heuristic: presence of negation markers
// in one summary but not the other suggests a contradiction rather than
// reinforcement. Returns -1 for contrast, 1 otherwise.
func contrastSign(a, b string) int {
	negations := []string{"not ", "never ", "no longer ", "instead of ", "wrong"}
	aNeg, bNeg := false, false
	la, lb := strings.ToLower(a), strings.ToLower(b)
	for _, n := range negations {
		if strings.Contains(la, n) {
			aNeg = true
		}
		if strings.Contains(lb, n) {
			bNeg = true
		}
	}
	if aNeg != bNeg {
		return -1
	}
	return 1
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// EntityOverlap infers edges from shared files/patterns/constraints.
type EntityOverlap struct {
	JaccardThreshold float64
}

func (e EntityOverlap) Name() string { return "entity_overlap" }

func (e EntityOverlap) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	threshold := e.JaccardThreshold
	if threshold == 0 {
		threshold = 0.3
	}
	mSet := entitySet(m)
	if len(mSet) == 0 {
		return nil
	}

	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID {
			continue
		}
		cSet := entitySet(c)
		if len(cSet) == 0 {
			continue
		}
		j := jaccard(mSet, cSet)
		if j < threshold {
			continue
		}
		out = append(out, CreateEdgeRequest{
			SourceID: m.ID,
			TargetID: c.ID,
			Relation: RelationDerivedFrom,
			Strength: strengthPtr(j),
			Evidence: []Evidence{evidence(EvidenceEntity, "shared files/patterns/constraints", j)},
			Inferred: true,
		})
	}
	return out
}

func entitySet(c Candidate) map[string]struct{} {
	set := make(map[string]struct{}, len(c.LinkedFiles)+len(c.LinkedPatterns)+len(c.LinkedConstraints))
	for _, f := range c.LinkedFiles {
		set["file:"+f] = struct{}{}
	}
	for _, p := range c.LinkedPatterns {
		set["pattern:"+p] = struct{}{}
	}
	for _, k := range c.LinkedConstraints {
		set["constraint:"+k] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ExplicitReference scans summary/payload text for "#id" tokens.
type ExplicitReference struct{}

func (e ExplicitReference) Name() string { return "explicit_reference" }

func (e ExplicitReference) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	refs := extractReferences(m.Summary)
	if len(refs) == 0 {
		return nil
	}
	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID {
			continue
		}
		if _, ok := refs[c.ID]; ok {
			out = append(out, CreateEdgeRequest{
				SourceID: m.ID,
				TargetID: c.ID,
				Relation: RelationDerivedFrom,
				Strength: strengthPtr(0.9),
				Evidence: []Evidence{evidence(EvidenceExplicit, "explicit #id reference", 0.9)},
				Inferred: true,
			})
		}
	}
	return out
}

func extractReferences(text string) map[string]struct{} {
	refs := make(map[string]struct{})
	for _, token := range strings.Fields(text) {
		if strings.HasPrefix(token, "#") && len(token) > 1 {
			refs[strings.Trim(token[1:], ".,;:!?")] = struct{}{}
		}
	}
	return refs
}

// PatternMatching connects memories linked to the same pattern id.
type PatternMatching struct{}

func (p PatternMatching) Name() string { return "pattern_matching" }

func (p PatternMatching) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	if len(m.LinkedPatterns) == 0 {
		return nil
	}
	mPatterns := toSet(m.LinkedPatterns)

	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID {
			continue
		}
		for _, p := range c.LinkedPatterns {
			if _, ok := mPatterns[p]; ok {
				out = append(out, CreateEdgeRequest{
					SourceID: m.ID,
					TargetID: c.ID,
					Relation: RelationSupports,
					Strength: strengthPtr(0.6),
					Evidence: []Evidence{evidence(EvidenceEntity, "shared pattern "+p, 0.6)},
					Inferred: true,
				})
				break
			}
		}
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

// FileCoOccurrence connects memories that cite the same file within
// overlapping line ranges.
type FileCoOccurrence struct{}

func (f FileCoOccurrence) Name() string { return "file_co_occurrence" }

func (f FileCoOccurrence) Infer(m Candidate, candidates []Candidate) []CreateEdgeRequest {
	if len(m.Citations) == 0 {
		return nil
	}
	var out []CreateEdgeRequest
	for _, c := range candidates {
		if c.ID == m.ID {
			continue
		}
		if rangesOverlap(m.Citations, c.Citations) {
			out = append(out, CreateEdgeRequest{
				SourceID: m.ID,
				TargetID: c.ID,
				Relation: RelationDerivedFrom,
				Strength: strengthPtr(0.5),
				Evidence: []Evidence{evidence(EvidenceEntity, "overlapping file citation", 0.5)},
				Inferred: true,
			})
		}
	}
	return out
}

func rangesOverlap(a, b []FileRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.File != rb.File {
				continue
			}
			if ra.LineStart <= rb.LineEnd && rb.LineStart <= ra.LineEnd {
				return true
			}
		}
	}
	return false
}
