// Package graphexpand implements the bounded graph expander (C10): a
// breadth-first traversal from seed node ids over graphstore.Store,
// honoring edge-type/direction filters and per-hop/global node budgets,
// plus a post-hoc filtered variant that prunes nodes and edges after
// the BFS completes.
//
// Grounded on graphstore.Store's Neighbors/NeighborQuery contract —
// the expander never talks to a store backend directly, only through
// the same interface the graph sink and the searcher already use.
package graphexpand

import (
	"context"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/logging"
)

var log = logging.Component("graphexpand")

// Input is one expansion request.
type Input struct {
	TenantID       string
	Scope          graphstore.Scope
	Seeds          []string
	EdgeTypes      []string
	Direction      graphstore.Direction
	MaxHops        int
	MaxNodesPerHop int
	MaxTotalNodes  int
	PerNodeLimit   int
}

// Result is the BFS output: every node and edge the expansion touched,
// plus the hop each node was first reached at.
type Result struct {
	Nodes    []*graphstore.Node
	Edges    []*graphstore.Edge
	MaxHops  int
	NodeHops map[string]int
}

// Expander runs bounded BFS over a graphstore.Store.
type Expander struct {
	graph graphstore.Store
}

func New(graph graphstore.Store) *Expander {
	return &Expander{graph: graph}
}

type queueItem struct {
	nodeID string
	hop    int
}

// Expand performs the bounded BFS described in spec.md §4.4. Seeds the
// store doesn't resolve are silently dropped so no expanded edge can
// ever dangle on a missing seed. An edge is kept only once both of its
// endpoints are in the visited set; a node is added only while its
// hop's budget and the global budget still allow it.
func (e *Expander) Expand(ctx context.Context, in Input) (*Result, error) {
	if in.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}

	visited := make(map[string]*graphstore.Node)
	nodeHops := make(map[string]int)
	nodesAddedAtHop := make(map[int]int)
	var order []string
	var queue []queueItem
	maxHopSeen := 0

	maxNodesPerHop := in.MaxNodesPerHop
	maxTotalNodes := in.MaxTotalNodes

	addNode := func(node *graphstore.Node, hop int) bool {
		if _, already := visited[node.ID]; already {
			return true
		}
		if maxNodesPerHop > 0 && nodesAddedAtHop[hop] >= maxNodesPerHop {
			return false
		}
		if maxTotalNodes > 0 && len(visited) >= maxTotalNodes {
			return false
		}
		visited[node.ID] = node
		nodeHops[node.ID] = hop
		nodesAddedAtHop[hop]++
		order = append(order, node.ID)
		if hop > maxHopSeen {
			maxHopSeen = hop
		}
		return true
	}

	for _, seedID := range in.Seeds {
		node, err := e.graph.GetNode(ctx, in.TenantID, seedID)
		if err != nil || node == nil {
			log.WithField("seedId", seedID).Debug("expand: seed did not resolve, dropping")
			continue
		}
		if addNode(node, 0) {
			queue = append(queue, queueItem{nodeID: seedID, hop: 0})
		}
	}

	var edges []*graphstore.Edge
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.hop >= in.MaxHops {
			continue
		}

		neighbors, err := e.graph.Neighbors(ctx, graphstore.NeighborQuery{
			NodeID:       item.nodeID,
			Scope:        in.Scope,
			EdgeTypes:    in.EdgeTypes,
			Direction:    in.Direction,
			PerNodeLimit: in.PerNodeLimit,
		})
		if err != nil {
			log.WithField("nodeId", item.nodeID).WithError(err).Warn("expand: neighbor lookup failed, skipping node")
			continue
		}

		childHop := item.hop + 1
		for _, nb := range neighbors {
			if nb.Node == nil {
				continue
			}
			wasVisited := false
			if _, ok := visited[nb.Node.ID]; ok {
				wasVisited = true
			}
			added := wasVisited || addNode(nb.Node, childHop)
			if added && !wasVisited && childHop < in.MaxHops {
				queue = append(queue, queueItem{nodeID: nb.Node.ID, hop: childHop})
			}
			if _, ok := visited[nb.Node.ID]; ok && nb.Edge != nil {
				edges = append(edges, nb.Edge)
			}
		}
	}

	nodes := make([]*graphstore.Node, 0, len(order))
	for _, id := range order {
		nodes = append(nodes, visited[id])
	}

	return &Result{Nodes: nodes, Edges: edges, MaxHops: maxHopSeen, NodeHops: nodeHops}, nil
}

// NodeFilterFunc reports whether a node survives the post-BFS prune.
type NodeFilterFunc func(*graphstore.Node) bool

// EdgeFilterFunc reports whether an edge survives the post-BFS prune,
// independent of whether its endpoints survived.
type EdgeFilterFunc func(*graphstore.Edge) bool

// Filter applies optional node/edge predicates to an already-computed
// Result, then drops any edge whose endpoint was pruned and recomputes
// MaxHops over the surviving nodes, spec.md §4.4's "filtered expander".
func Filter(result *Result, nodeFilter NodeFilterFunc, edgeFilter EdgeFilterFunc) *Result {
	keptNodes := make([]*graphstore.Node, 0, len(result.Nodes))
	keptIDs := make(map[string]bool, len(result.Nodes))
	keptHops := make(map[string]int, len(result.NodeHops))
	maxHop := 0
	for _, n := range result.Nodes {
		if nodeFilter != nil && !nodeFilter(n) {
			continue
		}
		keptNodes = append(keptNodes, n)
		keptIDs[n.ID] = true
		hop := result.NodeHops[n.ID]
		keptHops[n.ID] = hop
		if hop > maxHop {
			maxHop = hop
		}
	}

	keptEdges := make([]*graphstore.Edge, 0, len(result.Edges))
	for _, edge := range result.Edges {
		if edgeFilter != nil && !edgeFilter(edge) {
			continue
		}
		if !keptIDs[edge.SourceNodeID] || !keptIDs[edge.TargetNodeID] {
			continue
		}
		keptEdges = append(keptEdges, edge)
	}

	if len(keptNodes) == 0 {
		maxHop = 0
	}
	return &Result{Nodes: keptNodes, Edges: keptEdges, MaxHops: maxHop, NodeHops: keptHops}
}
