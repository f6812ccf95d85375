package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// Neo4jStore is the alternate graph store backend for deployments that
// prefer a native graph database for traversal-heavy workloads.
// Grounded on db/repository/neo4j.go's Neo4jRepository: same
// neo4j.DriverWithContext + VerifyConnectivity construction, same
// MERGE-based upsert Cypher style. Embeddings are not implemented here
// — Neo4j's vector index support is a separate enterprise/plugin
// feature the teacher's driver usage never exercises, so
// PutEmbedding/SearchEmbeddings return apperr.Internal rather than
// silently no-op; deployments needing hybrid search pick PostgresStore.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jStore connects to uri and verifies connectivity before
// returning, exactly as NewNeo4jRepository does.
func NewNeo4jStore(ctx context.Context, uri, username, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "graphstore: create neo4j driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "graphstore: connect to neo4j")
	}
	return &Neo4jStore{driver: driver}, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) UpsertNode(ctx context.Context, in UpsertNodeInput) (*Node, error) {
	logicalKey := nodeLogicalKey(in)
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (n:Entity {logicalKey: $logicalKey})
			ON CREATE SET n.id = $id, n.version = 1, n.createdAt = datetime()
			ON MATCH SET n.version = n.version + 1
			SET n.tenantId = $tenantId, n.projectId = $projectId, n.entityType = $entityType,
			    n.displayName = $displayName, n.canonicalPath = $canonicalPath,
			    n.originEndpointId = $originEndpointId, n.originVendor = $originVendor,
			    n.updatedAt = datetime()
			RETURN n.id AS id, n.version AS version`
		params := map[string]any{
			"logicalKey": logicalKey, "id": in.ID, "tenantId": in.TenantID, "projectId": in.ProjectID,
			"entityType": in.EntityType, "displayName": in.DisplayName, "canonicalPath": in.CanonicalPath,
			"originEndpointId": in.OriginEndpointID, "originVendor": in.OriginVendor,
		}
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		id, _ := record.Get("id")
		version, _ := record.Get("version")
		return &Node{
			ID: id.(string), TenantID: in.TenantID, ProjectID: in.ProjectID, EntityType: in.EntityType,
			DisplayName: in.DisplayName, CanonicalPath: in.CanonicalPath, Properties: in.Properties,
			Version: version.(int64), Scope: in.Scope, OriginEndpointID: in.OriginEndpointID,
			OriginVendor: in.OriginVendor, LogicalKey: logicalKey, ExternalID: in.ExternalID,
			Phase: in.Phase, Provenance: in.Provenance,
		}, nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "upsert node (neo4j)")
	}
	return result.(*Node), nil
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, in UpsertEdgeInput) (*Edge, error) {
	source, err := s.GetNode(ctx, in.TenantID, in.SourceNodeID)
	if err != nil {
		return nil, err
	}
	target, err := s.GetNode(ctx, in.TenantID, in.TargetNodeID)
	if err != nil {
		return nil, err
	}
	if source.TenantID != in.TenantID || target.TenantID != in.TenantID {
		return nil, apperr.New(apperr.TenantMismatch, "edge endpoints must share scope.orgId")
	}
	logicalKey := edgeLogicalKey(in, source.LogicalKey, target.LogicalKey)

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (src:Entity {id: $sourceId}), (dst:Entity {id: $targetId})
			MERGE (src)-[r:RELATES {logicalKey: $logicalKey}]->(dst)
			SET r.edgeType = $edgeType, r.confidence = $confidence`
		params := map[string]any{
			"sourceId": source.ID, "targetId": target.ID, "logicalKey": logicalKey,
			"edgeType": in.EdgeType, "confidence": in.Confidence,
		}
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "upsert edge (neo4j)")
	}
	return &Edge{
		TenantID: in.TenantID, ProjectID: in.ProjectID, EdgeType: in.EdgeType,
		SourceNodeID: source.ID, TargetNodeID: target.ID,
		SourceLogicalKey: source.LogicalKey, TargetLogicalKey: target.LogicalKey,
		Scope: in.Scope, Confidence: in.Confidence, Metadata: in.Metadata, LogicalKey: logicalKey,
	}, nil
}

func (s *Neo4jStore) GetNode(ctx context.Context, tenantID, id string) (*Node, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN n`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, apperr.New(apperr.NotFound, "node not found")
		}
		props, _ := record.Get("n")
		node := props.(neo4j.Node)
		return nodeFromProps(node.Props), nil
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.NotFound {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "get node (neo4j)")
	}
	n := result.(*Node)
	if n.TenantID != tenantID {
		return nil, apperr.New(apperr.TenantMismatch, "node belongs to a different tenant")
	}
	return n, nil
}

func nodeFromProps(props map[string]any) *Node {
	get := func(k string) string {
		v, _ := props[k].(string)
		return v
	}
	var version int64
	if v, ok := props["version"].(int64); ok {
		version = v
	}
	return &Node{
		ID: get("id"), TenantID: get("tenantId"), ProjectID: get("projectId"),
		EntityType: get("entityType"), DisplayName: get("displayName"), CanonicalPath: get("canonicalPath"),
		Version: version, OriginEndpointID: get("originEndpointId"), OriginVendor: get("originVendor"),
		LogicalKey: get("logicalKey"),
	}
}

// ListNodes is not implemented for the Neo4j backend in this release —
// callers needing bulk listing should use PostgresStore; Neo4j here
// serves point lookups and traversal (Neighbors) only.
func (s *Neo4jStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	return nil, apperr.New(apperr.Internal, "ListNodes is not supported by the neo4j backend")
}

func (s *Neo4jStore) ListEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	return nil, apperr.New(apperr.Internal, "ListEdges is not supported by the neo4j backend")
}

// Neighbors traverses relationships directly, generalized from
// Neo4jRepository.GetDependencies/GetDependents.
func (s *Neo4jStore) Neighbors(ctx context.Context, q NeighborQuery) ([]Neighbor, error) {
	var pattern string
	switch q.Direction {
	case DirectionOut:
		pattern = `(n:Entity {id: $id})-[r:RELATES]->(m:Entity)`
	case DirectionIn:
		pattern = `(n:Entity {id: $id})<-[r:RELATES]-(m:Entity)`
	default:
		pattern = `(n:Entity {id: $id})-[r:RELATES]-(m:Entity)`
	}
	query := fmt.Sprintf("MATCH %s RETURN m, r", pattern)
	if q.PerNodeLimit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.PerNodeLimit)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": q.NodeID})
		if err != nil {
			return nil, err
		}
		var neighbors []Neighbor
		for res.Next(ctx) {
			record := res.Record()
			mVal, _ := record.Get("m")
			rVal, _ := record.Get("r")
			m := mVal.(neo4j.Node)
			r := rVal.(neo4j.Relationship)
			neighbors = append(neighbors, Neighbor{
				Node: nodeFromProps(m.Props),
				Edge: &Edge{EdgeType: fmt.Sprintf("%v", r.Props["edgeType"]), LogicalKey: fmt.Sprintf("%v", r.Props["logicalKey"])},
			})
		}
		return neighbors, res.Err()
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "neighbors (neo4j)")
	}
	return result.([]Neighbor), nil
}

func (s *Neo4jStore) PutEmbedding(ctx context.Context, entityID string, vector []float32, modelID string) error {
	return apperr.New(apperr.Internal, "embeddings are not supported by the neo4j backend")
}

func (s *Neo4jStore) SearchEmbeddings(ctx context.Context, query []float32, limit int, modelID string) ([]EmbeddingMatch, error) {
	return nil, apperr.New(apperr.Internal, "embeddings are not supported by the neo4j backend")
}
