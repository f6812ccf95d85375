// Package graphstore implements tenant-scoped node/edge upsert and an
// embedding index over the metadata store, computing deterministic
// logical keys (idkey) for dedup. Two backends exist: Postgres (primary,
// default sink target) and Neo4j (alternate, grounded on the teacher's
// Neo4jRepository Cypher style).
package graphstore

import (
	"context"
	"time"

	"github.com/nucleus-metadata/ingestiond/idkey"
)

// Scope is the four-level tenancy key, spec.md §3.
type Scope struct {
	OrgID     string
	ProjectID string
	DomainID  string
	TeamID    string
}

// Node represents a canonical entity, spec.md §3.
type Node struct {
	ID               string
	TenantID         string
	ProjectID        string
	EntityType       string
	DisplayName      string
	CanonicalPath    string
	SourceSystem     string
	SpecRef          string
	Properties       map[string]any
	Version          int64
	Scope            Scope
	OriginEndpointID string
	OriginVendor     string
	LogicalKey       string
	ExternalID       map[string]any
	Phase            string
	Provenance       map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Edge represents a typed directed connection between two nodes, spec.md §3.
type Edge struct {
	ID               string
	TenantID         string
	ProjectID        string
	EdgeType         string
	SourceNodeID     string
	TargetNodeID     string
	SourceLogicalKey string
	TargetLogicalKey string
	Scope            Scope
	Confidence       *float64
	Metadata         map[string]any
	LogicalKey       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UpsertNodeInput is the caller-supplied half of a node upsert: the
// fields a driver/sink knows about a single observation.
type UpsertNodeInput struct {
	ID               string // explicit id, optional — lookup falls back to logical key
	TenantID         string
	ProjectID        string
	EntityType       string
	DisplayName      string
	CanonicalPath    string
	FallbackID       string
	SourceSystem     string
	SpecRef          string
	Properties       map[string]any
	Scope            Scope
	OriginEndpointID string
	OriginVendor     string
	ExternalID       map[string]any
	Phase            string
	Provenance       map[string]any
}

// UpsertEdgeInput is the caller-supplied half of an edge upsert.
type UpsertEdgeInput struct {
	ID               string
	TenantID         string
	ProjectID        string
	EdgeType         string
	SourceNodeID     string
	TargetNodeID     string
	Scope            Scope
	OriginEndpointID string
	OriginVendor     string
	Confidence       *float64
	Metadata         map[string]any
}

// NodeFilter constrains ListNodes. Scope.OrgID is mandatory and applied
// before every other predicate, per spec.md §4.2.
type NodeFilter struct {
	Scope       Scope
	EntityTypes []string
	Limit       int
}

// EdgeFilter constrains ListEdges.
type EdgeFilter struct {
	Scope        Scope
	EdgeTypes    []string
	SourceNodeID string
	TargetNodeID string
	Limit        int
}

// NeighborQuery asks a store for the neighbors of a node, used by the
// graph expander (C10).
type NeighborQuery struct {
	NodeID       string
	Scope        Scope
	EdgeTypes    []string
	Direction    Direction
	PerNodeLimit int
}

// Direction constrains neighbor traversal.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Neighbor pairs a discovered node with the edge that reached it.
type Neighbor struct {
	Node *Node
	Edge *Edge
}

// Store is the C4 contract. PostgresStore (pgstore.go) is the primary
// implementation; Neo4jStore (neo4jstore.go) is the alternate backend.
type Store interface {
	UpsertNode(ctx context.Context, input UpsertNodeInput) (*Node, error)
	UpsertEdge(ctx context.Context, input UpsertEdgeInput) (*Edge, error)
	GetNode(ctx context.Context, tenantID, id string) (*Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	ListEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error)
	Neighbors(ctx context.Context, q NeighborQuery) ([]Neighbor, error)
	PutEmbedding(ctx context.Context, entityID string, vector []float32, modelID string) error
	SearchEmbeddings(ctx context.Context, query []float32, limit int, modelID string) ([]EmbeddingMatch, error)
}

// EmbeddingMatch is a SearchEmbeddings hit.
type EmbeddingMatch struct {
	EntityID string
	Score    float64
}

// nodeLogicalKey computes the logical key for a node upsert input.
func nodeLogicalKey(in UpsertNodeInput) string {
	scope := idkey.Scope{OrgId: in.Scope.OrgID, ProjectId: in.Scope.ProjectID, DomainId: in.Scope.DomainID, TeamId: in.Scope.TeamID}
	return idkey.NodeKey(scope, in.EntityType, in.OriginEndpointID, in.OriginVendor, in.CanonicalPath, in.FallbackID, in.ExternalID)
}

// edgeLogicalKey computes the logical key for an edge upsert once both
// endpoints' logical keys are known.
func edgeLogicalKey(in UpsertEdgeInput, sourceLogicalKey, targetLogicalKey string) string {
	scope := idkey.Scope{OrgId: in.Scope.OrgID, ProjectId: in.Scope.ProjectID, DomainId: in.Scope.DomainID, TeamId: in.Scope.TeamID}
	return idkey.EdgeKey(scope, in.EdgeType, in.OriginEndpointID, in.OriginVendor, sourceLogicalKey, targetLogicalKey)
}
