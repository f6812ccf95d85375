package stagingsink

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nucleus-metadata/ingestiond/sinks"
)

func TestStagingKeyFormat(t *testing.T) {
	meta := sinks.RunMeta{EndpointID: "ep1", UnitID: "issues", RunID: "run1"}
	key := stagingKey(meta, 123456789)
	assert.Equal(t, "staging/ep1/issues/run1-123456789.jsonl", key)
}

func TestStagingKeyNamespacesByEndpointAndUnit(t *testing.T) {
	a := stagingKey(sinks.RunMeta{EndpointID: "ep1", UnitID: "issues", RunID: "run1"}, 1)
	b := stagingKey(sinks.RunMeta{EndpointID: "ep2", UnitID: "issues", RunID: "run1"}, 1)
	assert.NotEqual(t, a, b)
}
