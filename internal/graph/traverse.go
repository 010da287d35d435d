package graph

// TraverseOptions bounds a traversal (spec §4.3).
type TraverseOptions struct {
	MaxDepth        int
	MinStrength     float64
	RelationTypes   []Relation // empty = all relations allowed
	IncludeInferred bool
	MaxNodes        int
}

// DefaultTraverseOptions matches the spec's documented defaults.
func DefaultTraverseOptions() TraverseOptions {
	return TraverseOptions{
		MaxDepth:        5,
		MinStrength:     0,
		IncludeInferred: true,
		MaxNodes:        200,
	}
}

// CausalChain is the result of a bounded traversal.
type CausalChain struct {
	RootID          string
	Nodes           []string
	Edges           []*Edge
	MaxDepth        int
	TotalMemories   int
	ChainConfidence float64
}

func (o TraverseOptions) normalized() TraverseOptions {
	if o.MaxDepth <= 0 {
		o.MaxDepth = 5
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = 200
	}
	return o
}

func (o TraverseOptions) relationAllowed(r Relation) bool {
	if len(o.RelationTypes) == 0 {
		return true
	}
	for _, allowed := range o.RelationTypes {
		if allowed == r {
			return true
		}
	}
	return false
}

// Traverse performs a bounded BFS from root, following outgoing edges
// (source to target) that satisfy opts, and returns the reached subgraph
// with aggregated chain confidence (spec §4.3: product of edge strengths
// along the path to each end node of the traversal, aggregated across
// branches by max).
func (g *Graph) Traverse(root string, opts TraverseOptions) (*CausalChain, error) {
	opts = opts.normalized()
	g.mu.RLock()
	defer g.mu.RUnlock()

	type frontierNode struct {
		id         string
		depth      int
		confidence float64
	}

	visited := map[string]float64{root: 1.0}
	queue := []frontierNode{{id: root, depth: 0, confidence: 1.0}}

	var edgesOut []*Edge
	seenEdges := map[string]bool{}
	expanded := map[string]bool{}
	best := 0.0

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= opts.MaxDepth {
			continue
		}
		if len(visited) >= opts.MaxNodes {
			break
		}

		edges, err := g.outgoingLocked(cur.id)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			if e.Tombstoned {
				continue
			}
			if !opts.relationAllowed(e.Relation) {
				continue
			}
			if e.Strength < opts.MinStrength {
				continue
			}
			if e.Inferred && !opts.IncludeInferred {
				continue
			}

			next := e.TargetID

			chainConf := cur.confidence * e.Strength
			if existing, ok := visited[next]; !ok || chainConf > existing {
				visited[next] = chainConf
				expanded[cur.id] = true
				queue = append(queue, frontierNode{id: next, depth: cur.depth + 1, confidence: chainConf})
			}
			if !seenEdges[e.ID] {
				seenEdges[e.ID] = true
				edgesOut = append(edgesOut, e)
			}
		}
	}

	for id, conf := range visited {
		if id != root && !expanded[id] && conf > best {
			best = conf
		}
	}

	nodes := make([]string, 0, len(visited))
	for id := range visited {
		nodes = append(nodes, id)
	}

	chain := &CausalChain{
		RootID:          root,
		Nodes:           nodes,
		Edges:           edgesOut,
		MaxDepth:        opts.MaxDepth,
		TotalMemories:   len(nodes),
		ChainConfidence: best,
	}
	if len(nodes) <= 1 {
		chain.ChainConfidence = 0
	}
	return chain, nil
}

// counterfactualRelations is the fixed relation whitelist for
// counterfactual reachability (spec §4.3).
var counterfactualRelations = []Relation{
	RelationSupports,
	RelationEnabled,
	RelationCaused,
	RelationTriggeredBy,
	RelationDerivedFrom,
}

// Counterfactual returns the set of memories that would be "affected if
// id were removed": everything reachable from id over the causal
// relation subset {supports, enabled, caused, triggered_by, derived_from}.
func (g *Graph) Counterfactual(id string) (*CausalChain, error) {
	opts := DefaultTraverseOptions()
	opts.RelationTypes = counterfactualRelations
	chain, err := g.Traverse(id, opts)
	if err != nil {
		return nil, err
	}
	filtered := chain.Nodes[:0]
	for _, n := range chain.Nodes {
		if n != id {
			filtered = append(filtered, n)
		}
	}
	chain.Nodes = filtered
	chain.TotalMemories = len(filtered)
	return chain, nil
}
