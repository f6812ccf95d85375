package idkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableStringifyIgnoresMapOrder(t *testing.T) {
	a := map[string]any{"id": "123", "kind": "issue"}
	b := map[string]any{"kind": "issue", "id": "123"}
	assert.Equal(t, stableStringify(a), stableStringify(b))
}

func TestStableStringifyNestedOrder(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"outer": map[string]any{"a": 2, "b": 1}}
	assert.Equal(t, stableStringify(a), stableStringify(b))
}

func TestNodeKeyDeterministic(t *testing.T) {
	scope := Scope{OrgId: "org1", ProjectId: "proj1"}
	k1 := NodeKey(scope, "issue", "ep-1", "gitlab", "group/repo#42", "", map[string]any{"id": 42, "iid": 7})
	k2 := NodeKey(scope, "issue", "ep-1", "gitlab", "group/repo#42", "", map[string]any{"iid": 7, "id": 42})
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestNodeKeyDiffersByScope(t *testing.T) {
	extID := map[string]any{"id": 1}
	k1 := NodeKey(Scope{OrgId: "org1"}, "issue", "ep-1", "gitlab", "p#1", "", extID)
	k2 := NodeKey(Scope{OrgId: "org2"}, "issue", "ep-1", "gitlab", "p#1", "", extID)
	assert.NotEqual(t, k1, k2)
}

func TestNodeKeyNoSeparatorCollision(t *testing.T) {
	k1 := NodeKey(Scope{OrgId: "a|b"}, "issue", "", "", "", "", "c")
	k2 := NodeKey(Scope{OrgId: "a"}, "issue", "", "", "", "", "b|c")
	assert.NotEqual(t, k1, k2)
}

func TestEdgeKeyDeterministic(t *testing.T) {
	scope := Scope{OrgId: "org1", ProjectId: "proj1"}
	src := NodeKey(scope, "issue", "ep-1", "gitlab", "p#1", "", "1")
	dst := NodeKey(scope, "user", "ep-1", "gitlab", "", "u1", "1")
	e1 := EdgeKey(scope, "assigned_to", "ep-1", "gitlab", src, dst)
	e2 := EdgeKey(scope, "assigned_to", "ep-1", "gitlab", src, dst)
	assert.Equal(t, e1, e2)
	assert.NotEqual(t, e1, src)
}

func TestEdgeKeyDirectional(t *testing.T) {
	scope := Scope{OrgId: "org1"}
	a := NodeKey(scope, "issue", "ep-1", "gitlab", "p#1", "", "1")
	b := NodeKey(scope, "user", "ep-1", "gitlab", "", "u1", "1")
	forward := EdgeKey(scope, "assigned_to", "ep-1", "gitlab", a, b)
	backward := EdgeKey(scope, "assigned_to", "ep-1", "gitlab", b, a)
	assert.NotEqual(t, forward, backward)
}
