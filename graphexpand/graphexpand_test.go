package graphexpand

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/graphstore"
)

type fakeStore struct {
	nodes       map[string]*graphstore.Node
	neighbors   map[string][]graphstore.Neighbor
	neighborErr map[string]error
	getErr      map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:       make(map[string]*graphstore.Node),
		neighbors:   make(map[string][]graphstore.Neighbor),
		neighborErr: make(map[string]error),
		getErr:      make(map[string]error),
	}
}

func (f *fakeStore) UpsertNode(ctx context.Context, in graphstore.UpsertNodeInput) (*graphstore.Node, error) {
	return nil, nil
}
func (f *fakeStore) UpsertEdge(ctx context.Context, in graphstore.UpsertEdgeInput) (*graphstore.Edge, error) {
	return nil, nil
}
func (f *fakeStore) GetNode(ctx context.Context, tenantID, id string) (*graphstore.Node, error) {
	if err, ok := f.getErr[id]; ok {
		return nil, err
	}
	n, ok := f.nodes[id]
	if !ok {
		return nil, nil
	}
	return n, nil
}
func (f *fakeStore) ListNodes(ctx context.Context, filter graphstore.NodeFilter) ([]*graphstore.Node, error) {
	return nil, nil
}
func (f *fakeStore) ListEdges(ctx context.Context, filter graphstore.EdgeFilter) ([]*graphstore.Edge, error) {
	return nil, nil
}
func (f *fakeStore) Neighbors(ctx context.Context, q graphstore.NeighborQuery) ([]graphstore.Neighbor, error) {
	if err, ok := f.neighborErr[q.NodeID]; ok {
		return nil, err
	}
	return f.neighbors[q.NodeID], nil
}
func (f *fakeStore) PutEmbedding(ctx context.Context, entityID string, vector []float32, modelID string) error {
	return nil
}
func (f *fakeStore) SearchEmbeddings(ctx context.Context, query []float32, limit int, modelID string) ([]graphstore.EmbeddingMatch, error) {
	return nil, nil
}

func mkNode(id string) *graphstore.Node { return &graphstore.Node{ID: id, DisplayName: id} }

func mkEdge(id, source, target string) *graphstore.Edge {
	return &graphstore.Edge{ID: id, SourceNodeID: source, TargetNodeID: target}
}

func TestExpandDropsUnresolvedSeedsWithoutError(t *testing.T) {
	store := newFakeStore()
	store.nodes["exists"] = mkNode("exists")
	store.getErr["missing"] = errors.New("not found")

	expander := New(store)
	result, err := expander.Expand(context.Background(), Input{
		TenantID: "tenant-a", Seeds: []string{"exists", "missing"}, MaxHops: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "exists", result.Nodes[0].ID)
	for _, e := range result.Edges {
		assert.NotEqual(t, "missing", e.SourceNodeID)
		assert.NotEqual(t, "missing", e.TargetNodeID)
	}
}

func TestExpandEmptySeedsReturnsEmptyNoError(t *testing.T) {
	store := newFakeStore()
	expander := New(store)
	result, err := expander.Expand(context.Background(), Input{TenantID: "tenant-a", MaxHops: 2})
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.Empty(t, result.Edges)
}

func TestExpandRespectsMaxHops(t *testing.T) {
	store := newFakeStore()
	store.nodes["n1"] = mkNode("n1")
	store.nodes["n2"] = mkNode("n2")
	store.nodes["n3"] = mkNode("n3")
	store.neighbors["n1"] = []graphstore.Neighbor{{Node: store.nodes["n2"], Edge: mkEdge("e1", "n1", "n2")}}
	store.neighbors["n2"] = []graphstore.Neighbor{{Node: store.nodes["n3"], Edge: mkEdge("e2", "n2", "n3")}}

	expander := New(store)
	result, err := expander.Expand(context.Background(), Input{
		TenantID: "tenant-a", Seeds: []string{"n1"}, MaxHops: 1, MaxNodesPerHop: 10, MaxTotalNodes: 10,
	})
	require.NoError(t, err)

	ids := nodeIDs(result.Nodes)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids)
	assert.Equal(t, 1, result.MaxHops)
}

func TestExpandRespectsMaxNodesPerHopAndOmitsDanglingEdges(t *testing.T) {
	store := newFakeStore()
	store.nodes["n1"] = mkNode("n1")
	store.nodes["n2"] = mkNode("n2")
	store.nodes["n3"] = mkNode("n3")
	store.neighbors["n1"] = []graphstore.Neighbor{
		{Node: store.nodes["n2"], Edge: mkEdge("e1", "n1", "n2")},
		{Node: store.nodes["n3"], Edge: mkEdge("e2", "n1", "n3")},
	}

	expander := New(store)
	result, err := expander.Expand(context.Background(), Input{
		TenantID: "tenant-a", Seeds: []string{"n1"}, MaxHops: 2, MaxNodesPerHop: 1, MaxTotalNodes: 10,
	})
	require.NoError(t, err)

	ids := nodeIDs(result.Nodes)
	assert.Len(t, ids, 2) // n1 (seed) + one of n2/n3
	for _, e := range result.Edges {
		assert.Contains(t, ids, e.TargetNodeID)
	}
}

func TestFilterPrunesDanglingEdgesAndRecomputesMaxHops(t *testing.T) {
	result := &Result{
		Nodes:    []*graphstore.Node{mkNode("n1"), mkNode("n2"), mkNode("n3")},
		Edges:    []*graphstore.Edge{mkEdge("e1", "n1", "n2"), mkEdge("e2", "n2", "n3")},
		MaxHops:  2,
		NodeHops: map[string]int{"n1": 0, "n2": 1, "n3": 2},
	}

	filtered := Filter(result, func(n *graphstore.Node) bool { return n.ID != "n3" }, nil)
	ids := nodeIDs(filtered.Nodes)
	assert.ElementsMatch(t, []string{"n1", "n2"}, ids)
	assert.Len(t, filtered.Edges, 1)
	assert.Equal(t, 1, filtered.MaxHops)
}

func nodeIDs(nodes []*graphstore.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
