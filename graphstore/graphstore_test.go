package graphstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergePropertiesOverlayWins(t *testing.T) {
	base := map[string]any{"a": 1, "b": 2}
	overlay := map[string]any{"b": 3, "c": 4}
	merged := mergeProperties(base, overlay)
	assert.Equal(t, 1, merged["a"])
	assert.Equal(t, 3, merged["b"])
	assert.Equal(t, 4, merged["c"])
	// inputs untouched
	assert.Equal(t, 2, base["b"])
}

func TestCoalesceStringPrefersNonEmpty(t *testing.T) {
	assert.Equal(t, "new", coalesceString("new", "old"))
	assert.Equal(t, "old", coalesceString("", "old"))
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	vb := []float64{1, 2, 3}
	assert.InDelta(t, 1.0, cosineSimilarity(v, vb), 1e-9)
}

func TestCosineSimilarityOrthogonalIsZero(t *testing.T) {
	v := []float32{1, 0}
	vb := []float64{0, 1}
	assert.InDelta(t, 0.0, cosineSimilarity(v, vb), 1e-9)
}

func TestNodeLogicalKeyStableAcrossExternalIDOrder(t *testing.T) {
	base := UpsertNodeInput{
		EntityType: "issue", Scope: Scope{OrgID: "org1"}, OriginEndpointID: "ep1", OriginVendor: "gitlab",
		CanonicalPath: "group/repo#1",
	}
	a := base
	a.ExternalID = map[string]any{"id": 1, "iid": 2}
	b := base
	b.ExternalID = map[string]any{"iid": 2, "id": 1}
	assert.Equal(t, nodeLogicalKey(a), nodeLogicalKey(b))
}

func TestEdgeLogicalKeyDependsOnEndpoints(t *testing.T) {
	in := UpsertEdgeInput{EdgeType: "assigned_to", Scope: Scope{OrgID: "org1"}, OriginEndpointID: "ep1", OriginVendor: "gitlab"}
	k1 := edgeLogicalKey(in, "srcKeyA", "dstKeyA")
	k2 := edgeLogicalKey(in, "srcKeyB", "dstKeyA")
	assert.NotEqual(t, k1, k2)
}
