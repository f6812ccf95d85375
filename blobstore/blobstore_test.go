package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStagedBatchKeyNamespacesByRun(t *testing.T) {
	k1 := StagedBatchKey("ep1", "unit1", "run1", 0)
	k2 := StagedBatchKey("ep1", "unit1", "run2", 0)
	assert.NotEqual(t, k1, k2)
	assert.Contains(t, k1, "ep1/unit1/run1")
	assert.Contains(t, k1, "batch-0000.jsonl")
}

func TestSnapshotKeyNamespacesByOrg(t *testing.T) {
	k1 := SnapshotKey("org1", "snap1")
	k2 := SnapshotKey("org2", "snap1")
	assert.NotEqual(t, k1, k2)
}
