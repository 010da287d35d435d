// Package consolidation implements the sleep-inspired five-phase
// scheduler (spec §4.7): replay, abstraction, integration, pruning, and
// strengthening, run on a schedule or on explicit request, cooperatively
// cancellable between phases.
package consolidation

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"cortex/internal/config"
	"cortex/internal/graph"
	"cortex/internal/identity"
	"cortex/internal/store"
)

// Result is the whole-run metrics returned by a single consolidation
// pass, plus per-phase failures that did not abort the run.
type Result struct {
	RunID        string
	Processed    int
	Abstracted   int
	Integrated   int
	Archived     int
	Pruned       int
	Strengthened int
	Failures     []PhaseFailure
}

// PhaseFailure records a non-fatal error from one phase; subsequent
// phases still run (spec §4.7: "subsequent phases continue").
type PhaseFailure struct {
	Phase string
	Err   error
}

// Scheduler owns the background consolidation loop and exposes Run for
// explicit/on-demand invocation (spec §4.7).
type Scheduler struct {
	store  *store.Store
	graph  *graph.Graph
	cfg    config.ConsolidationConfig
	logger *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler builds a Scheduler. logger may be nil, in which case a
// no-op logger is used.
func NewScheduler(s *store.Store, g *graph.Graph, cfg config.ConsolidationConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: s, graph: g, cfg: cfg, logger: logger}
}

// Start begins the background loop at cfg.ScheduleIntervalMs (default
// 6h). A no-op if cfg.Enabled is false.
func (sc *Scheduler) Start(ctx context.Context) {
	if !sc.cfg.Enabled {
		return
	}
	sc.stopCh = make(chan struct{})
	sc.doneCh = make(chan struct{})

	interval := time.Duration(sc.cfg.ScheduleIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	go func() {
		defer close(sc.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sc.logger.Info("consolidation scheduler started", zap.Duration("interval", interval))
		for {
			select {
			case <-ticker.C:
				result := sc.Run(ctx)
				sc.logger.Info("consolidation run complete",
					zap.String("run_id", result.RunID),
					zap.Int("processed", result.Processed),
					zap.Int("integrated", result.Integrated),
					zap.Int("pruned", result.Pruned),
					zap.Int("strengthened", result.Strengthened))
			case <-ctx.Done():
				sc.logger.Info("consolidation scheduler stopped (context cancelled)")
				return
			case <-sc.stopCh:
				sc.logger.Info("consolidation scheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the background loop, if running, and waits for it to exit.
func (sc *Scheduler) Stop() {
	if sc.stopCh == nil {
		return
	}
	close(sc.stopCh)
	<-sc.doneCh
	sc.stopCh = nil
}

// Run executes one consolidation pass, checking ctx between phases so a
// caller can cooperatively cancel (spec §6 "Cancellation & timeouts").
func (sc *Scheduler) Run(ctx context.Context) *Result {
	result := &Result{RunID: identity.NewSessionID()}

	episodes, err := sc.replay()
	if err != nil {
		result.Failures = append(result.Failures, PhaseFailure{Phase: "replay", Err: err})
		if ctx.Err() == nil {
			strengthened, serr := sc.strengthen()
			if serr != nil {
				result.Failures = append(result.Failures, PhaseFailure{Phase: "strengthening", Err: serr})
			}
			result.Strengthened = strengthened
		}
		return result
	}
	result.Processed = len(episodes)
	if ctx.Err() != nil || len(episodes) == 0 {
		return result
	}

	groups := abstract(episodes)
	result.Abstracted = len(groups)
	if ctx.Err() != nil {
		return result
	}

	integrated, archivedIDs, err := sc.integrate(groups)
	if err != nil {
		result.Failures = append(result.Failures, PhaseFailure{Phase: "integration", Err: err})
	}
	result.Integrated = integrated
	if ctx.Err() != nil {
		return result
	}

	archived, pruned, err := sc.prune(episodes, archivedIDs)
	if err != nil {
		result.Failures = append(result.Failures, PhaseFailure{Phase: "pruning", Err: err})
	}
	result.Archived = archived
	result.Pruned = pruned
	if ctx.Err() != nil {
		return result
	}

	strengthened, err := sc.strengthen()
	if err != nil {
		result.Failures = append(result.Failures, PhaseFailure{Phase: "strengthening", Err: err})
	}
	result.Strengthened = strengthened

	return result
}

// replay selects pending episodic memories older than minAge, ordered by
// accessCount desc, bounded by maxEpisodes (spec §4.7 phase 1).
//
// consolidationStatus lives inside the episodic payload blob rather than
// a promoted, indexable column, so the pending filter is applied here in
// Go rather than in store's SQL query, which here filters on the type and
// createdAt columns and orders by accessCount.
func (sc *Scheduler) replay() ([]*store.Memory, error) {
	minAge := sc.cfg.MinAge
	if minAge <= 0 {
		minAge = 24 * time.Hour
	}
	maxEpisodes := sc.cfg.MaxEpisodes
	if maxEpisodes <= 0 {
		maxEpisodes = 100
	}

	cutoff := time.Now().Add(-minAge)
	q := store.DefaultQuery()
	q.Types = []store.MemoryType{store.TypeEpisodic}
	q.MaxDate = &cutoff
	q.OrderBy = store.OrderAccessCount
	q.OrderDir = store.Desc
	q.Limit = 10000

	candidates, err := sc.store.Search(q)
	if err != nil {
		return nil, err
	}

	pending := make([]*store.Memory, 0, maxEpisodes)
	for _, m := range candidates {
		if m.Episodic == nil || m.Episodic.ConsolidationStatus != store.ConsolidationPending {
			continue
		}
		pending = append(pending, m)
		if len(pending) >= maxEpisodes {
			break
		}
	}
	return pending, nil
}

// episodeGroup is a cluster of episodes sharing context.focus, along with
// the facts that survived the ≥2-occurrence abstraction threshold.
type episodeGroup struct {
	focus    string
	episodes []*store.Memory
	facts    []abstractedFact
}

type abstractedFact struct {
	text       string
	confidence float64
}

// abstract groups episodes by context.focus and keeps facts that recur
// ≥2 times within a group, with confidence = max over instances (spec
// §4.7 phase 2).
func abstract(episodes []*store.Memory) []episodeGroup {
	byFocus := make(map[string][]*store.Memory)
	for _, ep := range episodes {
		focus := "general"
		if ep.Episodic != nil && ep.Episodic.ContextFocus != "" {
			focus = ep.Episodic.ContextFocus
		}
		byFocus[focus] = append(byFocus[focus], ep)
	}

	var groups []episodeGroup
	for focus, members := range byFocus {
		if len(members) < 2 {
			continue
		}

		counts := make(map[string]int)
		maxConfidence := make(map[string]float64)
		original := make(map[string]string)
		for _, ep := range members {
			if ep.Episodic == nil {
				continue
			}
			for _, f := range ep.Episodic.ExtractedFacts {
				key := strings.ToLower(strings.TrimSpace(f.Fact))
				if key == "" {
					continue
				}
				counts[key]++
				if f.Confidence > maxConfidence[key] {
					maxConfidence[key] = f.Confidence
				}
				if _, ok := original[key]; !ok {
					original[key] = strings.TrimSpace(f.Fact)
				}
			}
		}

		var facts []abstractedFact
		for key, count := range counts {
			if count < 2 {
				continue
			}
			facts = append(facts, abstractedFact{text: original[key], confidence: maxConfidence[key]})
		}
		if len(facts) == 0 {
			continue
		}

		groups = append(groups, episodeGroup{focus: focus, episodes: members, facts: facts})
	}

	return groups
}

// integrate emits or merges a semantic memory per abstracted fact,
// wiring contradicts edges instead of silent overwrite (spec §4.7 phase
// 3). Returns the integrated-fact count and the set of episode ids whose
// group was fully integrated (eligible for archival in pruning).
func (sc *Scheduler) integrate(groups []episodeGroup) (int, map[string]bool, error) {
	integrated := 0
	archivable := make(map[string]bool)

	for _, g := range groups {
		sourceIDs := make([]string, 0, len(g.episodes))
		for _, ep := range g.episodes {
			sourceIDs = append(sourceIDs, ep.ID)
		}

		topicPeers, err := sc.findSemanticByTopic(g.focus)
		if err != nil {
			return integrated, archivable, err
		}

		for _, fact := range g.facts {
			existing := exactMatch(topicPeers, fact.text)
			conflict := conflictingMatch(topicPeers, fact.text)

			if existing == nil && conflict != nil {
				conflictID, cerr := sc.store.Create(&store.Memory{
					Type:       store.TypeSemantic,
					Summary:    fact.text,
					Confidence: fact.confidence,
					Importance: store.ImportanceNormal,
					Semantic: &store.SemanticPayload{
						Topic:              g.focus,
						Knowledge:          fact.text,
						ConsolidatedFrom:   append([]string(nil), sourceIDs...),
						SupportingEvidence: len(g.episodes),
					},
				})
				if cerr != nil {
					return integrated, archivable, cerr
				}
				if _, err := sc.graph.CreateEdge(graph.CreateEdgeRequest{
					SourceID: conflictID,
					TargetID: conflict.ID,
					Relation: graph.RelationContradicts,
					Inferred: true,
				}); err != nil {
					return integrated, archivable, err
				}
				integrated++
				continue
			}

			if existing != nil {
				merged := *existing.Semantic
				merged.SupportingEvidence++
				merged.ConsolidatedFrom = mergeIDs(merged.ConsolidatedFrom, sourceIDs)
				if _, err := sc.store.Update(existing.ID, store.MemoryPatch{Semantic: &merged}); err != nil {
					return integrated, archivable, err
				}
				integrated++
			} else {
				_, err := sc.store.Create(&store.Memory{
					Type:       store.TypeSemantic,
					Summary:    fact.text,
					Confidence: fact.confidence,
					Importance: store.ImportanceNormal,
					Semantic: &store.SemanticPayload{
						Topic:              g.focus,
						Knowledge:          fact.text,
						ConsolidatedFrom:   append([]string(nil), sourceIDs...),
						SupportingEvidence: len(g.episodes),
					},
				})
				if err != nil {
					return integrated, archivable, err
				}
				integrated++
			}
		}

		for _, id := range sourceIDs {
			archivable[id] = true
		}
	}

	return integrated, archivable, nil
}

// findSemanticByTopic returns all non-archived semantic memories under a
// topic; store.MemoryQuery has no promoted column for the JSON-embedded
// topic field, so the topic match happens here rather than in SQL.
func (sc *Scheduler) findSemanticByTopic(topic string) ([]*store.Memory, error) {
	q := store.DefaultQuery()
	q.Types = []store.MemoryType{store.TypeSemantic}
	q.Limit = 10000
	candidates, err := sc.store.Search(q)
	if err != nil {
		return nil, err
	}
	peers := make([]*store.Memory, 0, len(candidates))
	for _, m := range candidates {
		if m.Semantic != nil && m.Semantic.Topic == topic {
			peers = append(peers, m)
		}
	}
	return peers, nil
}

// exactMatch finds a peer whose knowledge text is identical to fact,
// the merge-not-overwrite case (spec §4.7 phase 3).
func exactMatch(peers []*store.Memory, fact string) *store.Memory {
	for _, m := range peers {
		if m.Semantic.Knowledge == fact {
			return m
		}
	}
	return nil
}

// conflictingMatch finds a peer whose knowledge text is the same claim
// modulo negation but disagrees in polarity — e.g. "Always paginate
// queries" vs "Never paginate queries" — signalling a contradiction
// rather than reinforcement.
func conflictingMatch(peers []*store.Memory, fact string) *store.Memory {
	normFact := normalizeFact(fact)
	for _, m := range peers {
		if normalizeFact(m.Semantic.Knowledge) == normFact && contradicts(m.Semantic.Knowledge, fact) {
			return m
		}
	}
	return nil
}

// contradicts is a conservative lexical check: a negation marker on one
// side but not the other against otherwise-similar text signals conflict
// rather than reinforcement. Grounded on the same heuristic as
// graph.SemanticSimilarity's contrastSign.
func contradicts(a, b string) bool {
	return hasNegation(a) != hasNegation(b)
}

var negationMarkers = []string{"never", "not", "don't", "doesn't", "avoid", "shouldn't", "can't"}

func hasNegation(s string) bool {
	low := strings.ToLower(s)
	for _, m := range negationMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

// normalizeFact strips negation markers and the word "always" and
// collapses whitespace so two otherwise-matching claims of opposite
// polarity compare equal.
func normalizeFact(s string) string {
	low := strings.ToLower(strings.TrimSpace(s))
	for _, m := range negationMarkers {
		low = strings.ReplaceAll(low, m, "")
	}
	low = strings.ReplaceAll(low, "always", "")
	return strings.Join(strings.Fields(low), " ")
}

func mergeIDs(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// prune archives episodes that were fully integrated and hard-deletes
// stale unaccessed episodes past their half-life (spec §4.7 phase 4).
func (sc *Scheduler) prune(episodes []*store.Memory, archivable map[string]bool) (archived, pruned int, err error) {
	halfLife := store.HalfLifeDays(store.TypeEpisodic)
	now := time.Now()

	for _, ep := range episodes {
		if archivable[ep.ID] {
			consolidated := store.ConsolidationConsolidated
			episodic := *ep.Episodic
			episodic.ConsolidationStatus = consolidated
			if _, uerr := sc.store.Update(ep.ID, store.MemoryPatch{Episodic: &episodic}); uerr != nil {
				err = uerr
				continue
			}
			if aerr := sc.store.Archive(ep.ID, "consolidated"); aerr != nil {
				err = aerr
				continue
			}
			archived++
			continue
		}

		ageDays := now.Sub(ep.CreatedAt).Hours() / 24
		if ep.AccessCount == 0 && ageDays > halfLife {
			if derr := sc.store.Delete(ep.ID); derr != nil {
				err = derr
				continue
			}
			pruned++
		}
	}

	return archived, pruned, err
}

// strengthen boosts confidence for the top-50 memories by accessCount
// with accessCount ≥ 5 (spec §4.7 phase 5).
func (sc *Scheduler) strengthen() (int, error) {
	q := store.DefaultQuery()
	minAccess := 5
	q.MinAccessCount = &minAccess
	q.OrderBy = store.OrderAccessCount
	q.OrderDir = store.Desc
	q.Limit = 50

	candidates, err := sc.store.Search(q)
	if err != nil {
		return 0, err
	}

	strengthened := 0
	for _, m := range candidates {
		boost := float64(m.AccessCount) * 0.01
		if boost > 0.1 {
			boost = 0.1
		}
		newConfidence := m.Confidence + boost
		if newConfidence > 1.0 {
			newConfidence = 1.0
		}
		if newConfidence == m.Confidence {
			continue
		}
		if _, err := sc.store.Update(m.ID, store.MemoryPatch{Confidence: &newConfidence}); err != nil {
			return strengthened, err
		}
		strengthened++
	}

	return strengthened, nil
}
