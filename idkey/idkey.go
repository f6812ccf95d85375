// Package idkey computes the deterministic logical keys that identify
// nodes and edges across ingestion runs, drivers, and processes. Two
// ingestion runs observing the same entity from the same origin must
// derive byte-identical keys so the graph store can dedup and merge
// instead of creating duplicates.
package idkey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Scope carries the tenant-scoping fields common to every logical key.
// TeamId and DomainId are optional and participate in the key as empty
// strings when unset, per spec.md §4.2.
type Scope struct {
	OrgId     string
	ProjectId string
	DomainId  string
	TeamId    string
}

// NodeKey computes the logical key for a node observation. externalId is
// the driver-native identifier (a map, struct, or scalar) and is hashed
// through stableStringify so differing key order in the caller's map
// never changes the resulting key.
func NodeKey(scope Scope, entityType, originEndpointId, originVendor, canonicalPath, fallbackId string, externalId any) string {
	parts := []string{
		"entity",
		entityType,
		scope.OrgId,
		scope.ProjectId,
		scope.DomainId,
		scope.TeamId,
		originEndpointId,
		originVendor,
		canonicalPath,
		fallbackId,
		stableStringify(externalId),
	}
	return digest(parts)
}

// EdgeKey computes the logical key for an edge observation from the
// already-resolved logical keys of its endpoints.
func EdgeKey(scope Scope, edgeType, originEndpointId, originVendor, sourceLogicalKey, targetLogicalKey string) string {
	parts := []string{
		"edge",
		edgeType,
		scope.OrgId,
		scope.ProjectId,
		scope.DomainId,
		scope.TeamId,
		originEndpointId,
		originVendor,
		sourceLogicalKey,
		targetLogicalKey,
	}
	return digest(parts)
}

// digest joins parts with a separator that cannot appear unescaped
// within a single part (each part is itself escaped) and returns the
// hex-encoded SHA-256 sum.
func digest(parts []string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(escape(p))
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// escape prevents separator collisions ("a|b" + "c" colliding with "a" +
// "b|c") by escaping backslashes and pipes before joining.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `|`, `\|`)
	return s
}

// stableStringify renders v as JSON with object keys sorted
// lexicographically at every nesting level, so two maps with the same
// key/value pairs in different insertion order stringify identically.
func stableStringify(v any) string {
	var b strings.Builder
	writeStable(&b, normalize(v))
	return b.String()
}

// normalize round-trips v through json.Marshal/Unmarshal so structs,
// pointers, and numeric types collapse to the same representation
// map[string]any/[]any/float64/string/bool/nil would take after a JSON
// hop, matching what another process decoding the same wire payload
// would see.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func writeStable(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case float64:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, e)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeStable(b, t[k])
		}
		b.WriteByte('}')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
