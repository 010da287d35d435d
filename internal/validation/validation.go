// Package validation implements the per-dimension validators and the
// healing pass (spec §4.8): citation hash drift against live source,
// temporal staleness/dormancy, active contradictions, and pattern
// alignment delegated through a read-only resolver.
package validation

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cortex/internal/graph"
	"cortex/internal/identity"
	"cortex/internal/store"
)

// Severity grades an Issue (spec §4.8: "minor" vs "moderate"; citation
// file-missing is fatal for that citation specifically).
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityFatal    Severity = "fatal"
)

// Issue codes, matching the dotted names used throughout spec §4.8.
const (
	CodeCitationDrift       = "citation.drift"
	CodeCitationMissingFile = "citation.missing_file"
	CodeTemporalStale       = "temporal.stale"
	CodeTemporalDormant     = "temporal.dormant"
	CodeContradictionActive = "contradiction.active"
	CodePatternMisaligned   = "pattern.misaligned"
)

// Issue is one validator finding against a single memory.
type Issue struct {
	Dimension   string
	Code        string
	Severity    Severity
	Description string

	// CitationSource and CitationIndex together locate which of the
	// memory's citations a citation.* issue refers to, for Heal to target
	// the right slice and index when writing the repaired hash back.
	CitationSource citationSource
	CitationIndex  int
}

// citationSource names which payload field a citation came from, since
// pattern-rationale/code-smell/decision-context memories carry their own
// Citations slice in addition to the top-level one (spec §3.1).
type citationSource int

const (
	citationTop citationSource = iota
	citationPatternRationale
	citationCodeSmell
	citationDecisionContext
)

// PatternInfo is the read-only projection the external pattern system
// returns for an id (spec §6: "three opaque identifier spaces").
type PatternInfo struct {
	ID       string
	Name     string
	Category string
}

// PatternResolver dereferences a pattern id against the host's pattern
// system. A false second return means the id does not resolve.
type PatternResolver func(id string) (*PatternInfo, bool)

// FileReader abstracts citation source reads so tests can substitute an
// in-memory filesystem without touching disk.
type FileReader func(path string) ([]byte, error)

// HealResult is what Heal actually did to a memory.
type HealResult struct {
	Actions     []string
	ValidatedAt time.Time
}

// Validator runs validate/heal against a shared store and graph.
type Validator struct {
	store          *store.Store
	graph          *graph.Graph
	resolvePattern PatternResolver
	readFile       FileReader
	contextLines   int
}

// Option configures a Validator at construction.
type Option func(*Validator)

// WithPatternResolver wires the external pattern system lookup. If never
// set, pattern-alignment issues are never raised (no resolver to check
// against).
func WithPatternResolver(r PatternResolver) Option {
	return func(v *Validator) { v.resolvePattern = r }
}

// WithFileReader overrides the citation source reader (default os.ReadFile).
func WithFileReader(r FileReader) Option {
	return func(v *Validator) { v.readFile = r }
}

// WithContextLines sets the ± context window added around a citation's
// line range before hashing (default 3, matching the teacher's diff-hunk
// context convention).
func WithContextLines(n int) Option {
	return func(v *Validator) { v.contextLines = n }
}

// NewValidator builds a Validator over s and g.
func NewValidator(s *store.Store, g *graph.Graph, opts ...Option) *Validator {
	v := &Validator{store: s, graph: g, readFile: os.ReadFile, contextLines: 3}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs all four dimensions against m and returns every issue
// found (spec §4.8). m is not mutated.
func (v *Validator) Validate(m *store.Memory) []Issue {
	var issues []Issue
	issues = append(issues, v.validateCitations(m)...)
	issues = append(issues, v.validateTemporal(m)...)
	issues = append(issues, v.validateContradictions(m)...)
	issues = append(issues, v.validatePatterns(m)...)
	return issues
}

// citationGroups lists each of m's citation slices alongside the source
// tag Heal needs to write a repaired hash back to the right payload.
func citationGroups(m *store.Memory) []struct {
	source citationSource
	list   []store.Citation
} {
	groups := []struct {
		source citationSource
		list   []store.Citation
	}{{citationTop, m.Citations}}
	if m.PatternRationale != nil {
		groups = append(groups, struct {
			source citationSource
			list   []store.Citation
		}{citationPatternRationale, m.PatternRationale.Citations})
	}
	if m.CodeSmell != nil {
		groups = append(groups, struct {
			source citationSource
			list   []store.Citation
		}{citationCodeSmell, m.CodeSmell.Citations})
	}
	if m.DecisionContext != nil {
		groups = append(groups, struct {
			source citationSource
			list   []store.Citation
		}{citationDecisionContext, m.DecisionContext.Citations})
	}
	return groups
}

func (v *Validator) validateCitations(m *store.Memory) []Issue {
	var issues []Issue
	for _, group := range citationGroups(m) {
		for i, c := range group.list {
			data, err := v.readFile(c.File)
			if err != nil {
				issues = append(issues, Issue{
					Dimension:      "citation",
					Code:           CodeCitationMissingFile,
					Severity:       SeverityFatal,
					Description:    fmt.Sprintf("citation source %s is missing: %v", c.File, err),
					CitationSource: group.source,
					CitationIndex:  i,
				})
				continue
			}
			hash := hashRegion(data, c.LineStart, c.LineEnd, v.contextLines)
			if hash != c.Hash {
				issues = append(issues, Issue{
					Dimension:      "citation",
					Code:           CodeCitationDrift,
					Severity:       SeverityModerate,
					Description:    fmt.Sprintf("citation %s:%d-%d hash drifted from %s to %s", c.File, c.LineStart, c.LineEnd, c.Hash, hash),
					CitationSource: group.source,
					CitationIndex:  i,
				})
			}
		}
	}
	return issues
}

// hashRegion recomputes a citation hash over (lineStart-context,
// lineEnd+context) of data, matching spec §3.2's "first 16 hex chars of
// SHA-256 over the cited code region ± a small context window".
func hashRegion(data []byte, lineStart, lineEnd, context int) string {
	lines := strings.Split(string(data), "\n")
	start := lineStart - context
	if start < 1 {
		start = 1
	}
	end := lineEnd + context
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return identity.ContentHash("")
	}
	region := strings.Join(lines[start-1:end], "\n")
	return identity.ContentHash(region)
}

func (v *Validator) validateTemporal(m *store.Memory) []Issue {
	var issues []Issue

	threshold := store.TemporalStalenessThresholdDays(m.Type)
	reference := m.LastValidated
	if reference.IsZero() {
		reference = m.CreatedAt
	}
	age := daysSince(reference)
	if age > threshold {
		severity := SeverityMinor
		if age > 2*threshold {
			severity = SeverityModerate
		}
		issues = append(issues, Issue{
			Dimension:   "temporal",
			Code:        CodeTemporalStale,
			Severity:    severity,
			Description: fmt.Sprintf("%s has not been revalidated in %.0f days (threshold %.0f)", m.ID, age, threshold),
		})
	}

	halfLife := store.HalfLifeDays(m.Type)
	if halfLife > 0 {
		lastAccessed := m.LastAccessed
		if lastAccessed.IsZero() {
			lastAccessed = m.CreatedAt
		}
		if daysSince(lastAccessed) > halfLife {
			issues = append(issues, Issue{
				Dimension:   "temporal",
				Code:        CodeTemporalDormant,
				Severity:    SeverityMinor,
				Description: fmt.Sprintf("%s has not been accessed in over its half-life (%.0f days)", m.ID, halfLife),
			})
		}
	}

	return issues
}

func daysSince(t time.Time) float64 {
	return time.Since(t).Hours() / 24
}

func (v *Validator) validateContradictions(m *store.Memory) []Issue {
	if v.graph == nil {
		return nil
	}
	relation := graph.RelationContradicts
	edges, err := v.graph.GetRelated(m.ID, &relation)
	if err != nil {
		return nil
	}
	var issues []Issue
	for _, e := range edges {
		if e.SourceID != m.ID {
			continue
		}
		issues = append(issues, Issue{
			Dimension:   "contradiction",
			Code:        CodeContradictionActive,
			Severity:    SeverityModerate,
			Description: fmt.Sprintf("%s contradicts %s", m.ID, e.TargetID),
		})
	}
	return issues
}

func (v *Validator) validatePatterns(m *store.Memory) []Issue {
	if v.resolvePattern == nil {
		return nil
	}
	var issues []Issue
	for _, id := range m.LinkedPatterns {
		if _, ok := v.resolvePattern(id); !ok {
			issues = append(issues, Issue{
				Dimension:   "pattern",
				Code:        CodePatternMisaligned,
				Severity:    SeverityMinor,
				Description: fmt.Sprintf("linked pattern %s does not resolve", id),
			})
		}
	}
	return issues
}

// Heal attempts to auto-repair the subset of issues that are repairable
// (spec §4.8): citation drift is recomputed and re-stored; temporal
// staleness bumps confidence and revalidates. Contradiction and pattern
// issues are left untouched — they require human or upstream resolution.
func (v *Validator) Heal(m *store.Memory, issues []Issue) (*HealResult, error) {
	result := &HealResult{ValidatedAt: time.Now()}
	patch := store.MemoryPatch{}

	topCitations := append([]store.Citation(nil), m.Citations...)
	topDirty := false
	var patternRationale *store.PatternRationalePayload
	var codeSmell *store.CodeSmellPayload
	var decisionContext *store.DecisionContextPayload
	if m.PatternRationale != nil {
		pr := *m.PatternRationale
		pr.Citations = append([]store.Citation(nil), m.PatternRationale.Citations...)
		patternRationale = &pr
	}
	if m.CodeSmell != nil {
		cs := *m.CodeSmell
		cs.Citations = append([]store.Citation(nil), m.CodeSmell.Citations...)
		codeSmell = &cs
	}
	if m.DecisionContext != nil {
		dc := *m.DecisionContext
		dc.Citations = append([]store.Citation(nil), m.DecisionContext.Citations...)
		decisionContext = &dc
	}

	for _, issue := range issues {
		switch issue.Code {
		case CodeCitationDrift:
			var target []store.Citation
			switch issue.CitationSource {
			case citationTop:
				target = topCitations
			case citationPatternRationale:
				if patternRationale != nil {
					target = patternRationale.Citations
				}
			case citationCodeSmell:
				if codeSmell != nil {
					target = codeSmell.Citations
				}
			case citationDecisionContext:
				if decisionContext != nil {
					target = decisionContext.Citations
				}
			}
			if issue.CitationIndex < 0 || issue.CitationIndex >= len(target) {
				continue
			}
			c := target[issue.CitationIndex]
			data, err := v.readFile(c.File)
			if err != nil {
				continue
			}
			c.Hash = hashRegion(data, c.LineStart, c.LineEnd, v.contextLines)
			c.ValidatedAt = result.ValidatedAt
			c.Valid = true
			target[issue.CitationIndex] = c
			if issue.CitationSource == citationTop {
				topDirty = true
			}
			result.Actions = append(result.Actions, fmt.Sprintf("recomputed citation hash for %s:%d-%d", c.File, c.LineStart, c.LineEnd))

		case CodeTemporalStale:
			boosted := clampConfidence(m.Confidence + 0.05)
			patch.Confidence = &boosted
			result.Actions = append(result.Actions, "bumped confidence +0.05 for temporal staleness")
		}
	}

	if len(result.Actions) == 0 {
		return result, nil
	}

	if topDirty {
		patch.Citations = topCitations
	}
	patch.PatternRationale = patternRationale
	patch.CodeSmell = codeSmell
	patch.DecisionContext = decisionContext
	patch.LastValidated = &result.ValidatedAt
	if _, err := v.store.Update(m.ID, patch); err != nil {
		return nil, fmt.Errorf("healing %s: %w", m.ID, err)
	}
	return result, nil
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
