package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// PostgresStore is the default graph store backend, using JSONB columns
// for flexible node/edge properties — raw SQL over pgxpool, no ORM,
// following the same idiom as metadatastore.Store.
type PostgresStore struct {
	pool *pgxpool.Pool

	// keyLocks serializes concurrent upserts to the same logical key, per
	// spec.md §5 ("C4 serializes writes to a given logicalKey"). No
	// row-level locking (`SELECT ... FOR UPDATE`) is used; this
	// in-process mutex map is the only guard on the read-then-write
	// version-increment race, and it covers writers within one process.
	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// NewPostgresStore wraps an already-configured pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, keyLocks: make(map[string]*sync.Mutex)}
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	project_id          TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	display_name        TEXT NOT NULL DEFAULT '',
	canonical_path      TEXT NOT NULL DEFAULT '',
	source_system       TEXT NOT NULL DEFAULT '',
	spec_ref            TEXT NOT NULL DEFAULT '',
	properties          JSONB NOT NULL DEFAULT '{}',
	version             BIGINT NOT NULL DEFAULT 1,
	scope_domain_id     TEXT NOT NULL DEFAULT '',
	scope_team_id       TEXT NOT NULL DEFAULT '',
	origin_endpoint_id  TEXT NOT NULL DEFAULT '',
	origin_vendor       TEXT NOT NULL DEFAULT '',
	logical_key         TEXT NOT NULL UNIQUE,
	external_id         JSONB,
	phase               TEXT NOT NULL DEFAULT '',
	provenance          JSONB NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_tenant ON graph_nodes(tenant_id, entity_type);

CREATE TABLE IF NOT EXISTS graph_edges (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	project_id           TEXT NOT NULL,
	edge_type            TEXT NOT NULL,
	source_node_id       TEXT NOT NULL REFERENCES graph_nodes(id),
	target_node_id       TEXT NOT NULL REFERENCES graph_nodes(id),
	source_logical_key   TEXT NOT NULL,
	target_logical_key   TEXT NOT NULL,
	scope_domain_id      TEXT NOT NULL DEFAULT '',
	scope_team_id        TEXT NOT NULL DEFAULT '',
	confidence           DOUBLE PRECISION,
	metadata             JSONB NOT NULL DEFAULT '{}',
	logical_key          TEXT NOT NULL UNIQUE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_tenant ON graph_edges(tenant_id, edge_type);
CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_node_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_node_id);

CREATE TABLE IF NOT EXISTS graph_embeddings (
	entity_id   TEXT NOT NULL,
	model_id    TEXT NOT NULL,
	vector      DOUBLE PRECISION[] NOT NULL,
	vec_hash    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (entity_id, model_id, vec_hash)
);
CREATE INDEX IF NOT EXISTS idx_graph_embeddings_model ON graph_embeddings(model_id);
`

// Migrate creates the graph store's tables if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, graphSchema); err != nil {
		return fmt.Errorf("graphstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) lockFor(key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

// UpsertNode implements spec.md §4.2's upsert semantics: locate by
// explicit id, else by logical key; merge properties with caller fields
// winning, preserve prior origin/provenance when not overridden.
func (s *PostgresStore) UpsertNode(ctx context.Context, in UpsertNodeInput) (*Node, error) {
	logicalKey := nodeLogicalKey(in)
	lock := s.lockFor(logicalKey)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.findNodeByIDOrKey(ctx, in.ID, logicalKey)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		node := &Node{
			ID:               in.ID,
			TenantID:         in.TenantID,
			ProjectID:        in.ProjectID,
			EntityType:       in.EntityType,
			DisplayName:      in.DisplayName,
			CanonicalPath:    in.CanonicalPath,
			SourceSystem:     in.SourceSystem,
			SpecRef:          in.SpecRef,
			Properties:       in.Properties,
			Version:          1,
			Scope:            in.Scope,
			OriginEndpointID: in.OriginEndpointID,
			OriginVendor:     in.OriginVendor,
			LogicalKey:       logicalKey,
			ExternalID:       in.ExternalID,
			Phase:            in.Phase,
			Provenance:       in.Provenance,
		}
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		return s.insertNode(ctx, node)
	}

	merged := mergeProperties(existing.Properties, in.Properties)
	existing.DisplayName = coalesceString(in.DisplayName, existing.DisplayName)
	existing.CanonicalPath = coalesceString(in.CanonicalPath, existing.CanonicalPath)
	existing.Properties = merged
	existing.Version++
	if in.OriginEndpointID != "" {
		existing.OriginEndpointID = in.OriginEndpointID
	}
	if in.OriginVendor != "" {
		existing.OriginVendor = in.OriginVendor
	}
	if in.Phase != "" {
		existing.Phase = in.Phase
	}
	existing.Provenance = mergeProperties(existing.Provenance, in.Provenance)
	return s.updateNode(ctx, existing)
}

func coalesceString(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// mergeProperties returns base with every key in overlay applied on top
// (overlay wins), without mutating either input map.
func mergeProperties(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (s *PostgresStore) findNodeByIDOrKey(ctx context.Context, id, logicalKey string) (*Node, error) {
	if id != "" {
		n, err := s.getNodeByColumn(ctx, "id", id)
		if err != nil && apperr.CodeOf(err) != apperr.NotFound {
			return nil, err
		}
		if n != nil {
			return n, nil
		}
	}
	n, err := s.getNodeByColumn(ctx, "logical_key", logicalKey)
	if err != nil && apperr.CodeOf(err) != apperr.NotFound {
		return nil, err
	}
	return n, nil
}

func (s *PostgresStore) getNodeByColumn(ctx context.Context, column, value string) (*Node, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, project_id, entity_type, display_name, canonical_path,
		       source_system, spec_ref, properties, version, scope_domain_id, scope_team_id,
		       origin_endpoint_id, origin_vendor, logical_key, external_id, phase, provenance,
		       created_at, updated_at
		FROM graph_nodes WHERE %s = $1`, column)
	return s.scanNodeRow(s.pool.QueryRow(ctx, query, value))
}

func (s *PostgresStore) scanNodeRow(row pgx.Row) (*Node, error) {
	n := &Node{}
	var propsRaw, extRaw, provRaw []byte
	err := row.Scan(
		&n.ID, &n.TenantID, &n.ProjectID, &n.EntityType, &n.DisplayName, &n.CanonicalPath,
		&n.SourceSystem, &n.SpecRef, &propsRaw, &n.Version, &n.Scope.DomainID, &n.Scope.TeamID,
		&n.OriginEndpointID, &n.OriginVendor, &n.LogicalKey, &extRaw, &n.Phase, &provRaw,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "node not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "scan node")
	}
	n.Scope.OrgID = n.TenantID
	n.Scope.ProjectID = n.ProjectID
	_ = json.Unmarshal(propsRaw, &n.Properties)
	if len(extRaw) > 0 {
		_ = json.Unmarshal(extRaw, &n.ExternalID)
	}
	_ = json.Unmarshal(provRaw, &n.Provenance)
	return n, nil
}

func (s *PostgresStore) insertNode(ctx context.Context, n *Node) (*Node, error) {
	propsRaw, _ := json.Marshal(n.Properties)
	extRaw, _ := json.Marshal(n.ExternalID)
	provRaw, _ := json.Marshal(n.Provenance)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_nodes (id, tenant_id, project_id, entity_type, display_name, canonical_path,
			source_system, spec_ref, properties, version, scope_domain_id, scope_team_id,
			origin_endpoint_id, origin_vendor, logical_key, external_id, phase, provenance)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		n.ID, n.TenantID, n.ProjectID, n.EntityType, n.DisplayName, n.CanonicalPath,
		n.SourceSystem, n.SpecRef, propsRaw, n.Version, n.Scope.DomainID, n.Scope.TeamID,
		n.OriginEndpointID, n.OriginVendor, n.LogicalKey, extRaw, n.Phase, provRaw)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "insert node")
	}
	return n, nil
}

func (s *PostgresStore) updateNode(ctx context.Context, n *Node) (*Node, error) {
	propsRaw, _ := json.Marshal(n.Properties)
	provRaw, _ := json.Marshal(n.Provenance)
	_, err := s.pool.Exec(ctx, `
		UPDATE graph_nodes SET display_name=$1, canonical_path=$2, properties=$3, version=$4,
			origin_endpoint_id=$5, origin_vendor=$6, phase=$7, provenance=$8, updated_at=NOW()
		WHERE id = $9`,
		n.DisplayName, n.CanonicalPath, propsRaw, n.Version, n.OriginEndpointID, n.OriginVendor,
		n.Phase, provRaw, n.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "update node")
	}
	return n, nil
}

// UpsertEdge implements spec.md §4.2's edge upsert: endpoints must
// resolve within the same scope.orgId or the call fails with
// TENANT_MISMATCH (the spec's E_CROSS_SCOPE_EDGE); createdAt is
// preserved across a replace.
func (s *PostgresStore) UpsertEdge(ctx context.Context, in UpsertEdgeInput) (*Edge, error) {
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
	lock := s.lockFor(logicalKey)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.findEdgeByIDOrKey(ctx, in.ID, logicalKey)
	if err != nil {
		return nil, err
	}
	metaRaw, _ := json.Marshal(in.Metadata)

	if existing == nil {
		edge := &Edge{
			ID: in.ID, TenantID: in.TenantID, ProjectID: in.ProjectID, EdgeType: in.EdgeType,
			SourceNodeID: source.ID, TargetNodeID: target.ID,
			SourceLogicalKey: source.LogicalKey, TargetLogicalKey: target.LogicalKey,
			Scope: in.Scope, Confidence: in.Confidence, Metadata: in.Metadata, LogicalKey: logicalKey,
		}
		if edge.ID == "" {
			edge.ID = uuid.NewString()
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO graph_edges (id, tenant_id, project_id, edge_type, source_node_id, target_node_id,
				source_logical_key, target_logical_key, scope_domain_id, scope_team_id, confidence, metadata, logical_key)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			edge.ID, edge.TenantID, edge.ProjectID, edge.EdgeType, edge.SourceNodeID, edge.TargetNodeID,
			edge.SourceLogicalKey, edge.TargetLogicalKey, edge.Scope.DomainID, edge.Scope.TeamID,
			edge.Confidence, metaRaw, edge.LogicalKey)
		if err != nil {
			return nil, apperr.Wrap(apperr.RetriableTransport, err, "insert edge")
		}
		return edge, nil
	}

	existing.EdgeType = in.EdgeType
	existing.SourceNodeID = source.ID
	existing.TargetNodeID = target.ID
	existing.Metadata = in.Metadata
	existing.Confidence = in.Confidence
	_, err = s.pool.Exec(ctx, `
		UPDATE graph_edges SET edge_type=$1, source_node_id=$2, target_node_id=$3, confidence=$4,
			metadata=$5, updated_at=NOW() WHERE id=$6`,
		existing.EdgeType, existing.SourceNodeID, existing.TargetNodeID, existing.Confidence, metaRaw, existing.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "update edge")
	}
	return existing, nil
}

func (s *PostgresStore) findEdgeByIDOrKey(ctx context.Context, id, logicalKey string) (*Edge, error) {
	if id != "" {
		e, err := s.getEdgeByColumn(ctx, "id", id)
		if err != nil && apperr.CodeOf(err) != apperr.NotFound {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
	e, err := s.getEdgeByColumn(ctx, "logical_key", logicalKey)
	if err != nil && apperr.CodeOf(err) != apperr.NotFound {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) getEdgeByColumn(ctx context.Context, column, value string) (*Edge, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, project_id, edge_type, source_node_id, target_node_id,
		       source_logical_key, target_logical_key, scope_domain_id, scope_team_id,
		       confidence, metadata, logical_key, created_at, updated_at
		FROM graph_edges WHERE %s = $1`, column)
	e := &Edge{}
	var metaRaw []byte
	err := s.pool.QueryRow(ctx, query, value).Scan(
		&e.ID, &e.TenantID, &e.ProjectID, &e.EdgeType, &e.SourceNodeID, &e.TargetNodeID,
		&e.SourceLogicalKey, &e.TargetLogicalKey, &e.Scope.DomainID, &e.Scope.TeamID,
		&e.Confidence, &metaRaw, &e.LogicalKey, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "edge not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "scan edge")
	}
	e.Scope.OrgID = e.TenantID
	e.Scope.ProjectID = e.ProjectID
	_ = json.Unmarshal(metaRaw, &e.Metadata)
	return e, nil
}

// GetNode enforces scope.orgId == caller.tenantId on every read, per
// spec.md §3's node invariant.
func (s *PostgresStore) GetNode(ctx context.Context, tenantID, id string) (*Node, error) {
	n, err := s.getNodeByColumn(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if n.TenantID != tenantID {
		return nil, apperr.New(apperr.TenantMismatch, "node belongs to a different tenant")
	}
	return n, nil
}

// ListNodes filters by scope.orgId first, then entity type, newest first.
func (s *PostgresStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error) {
	query := `
		SELECT id, tenant_id, project_id, entity_type, display_name, canonical_path,
		       source_system, spec_ref, properties, version, scope_domain_id, scope_team_id,
		       origin_endpoint_id, origin_vendor, logical_key, external_id, phase, provenance,
		       created_at, updated_at
		FROM graph_nodes WHERE tenant_id = $1`
	args := []any{filter.Scope.OrgID}
	if len(filter.EntityTypes) > 0 {
		args = append(args, filter.EntityTypes)
		query += fmt.Sprintf(" AND entity_type = ANY($%d)", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "list nodes")
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := s.scanNodeRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListEdges filters by scope.orgId first, then edge type / endpoints.
func (s *PostgresStore) ListEdges(ctx context.Context, filter EdgeFilter) ([]*Edge, error) {
	query := `
		SELECT id, tenant_id, project_id, edge_type, source_node_id, target_node_id,
		       source_logical_key, target_logical_key, scope_domain_id, scope_team_id,
		       confidence, metadata, logical_key, created_at, updated_at
		FROM graph_edges WHERE tenant_id = $1`
	args := []any{filter.Scope.OrgID}
	if len(filter.EdgeTypes) > 0 {
		args = append(args, filter.EdgeTypes)
		query += fmt.Sprintf(" AND edge_type = ANY($%d)", len(args))
	}
	if filter.SourceNodeID != "" {
		args = append(args, filter.SourceNodeID)
		query += fmt.Sprintf(" AND source_node_id = $%d", len(args))
	}
	if filter.TargetNodeID != "" {
		args = append(args, filter.TargetNodeID)
		query += fmt.Sprintf(" AND target_node_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "list edges")
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		e := &Edge{}
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.EdgeType, &e.SourceNodeID, &e.TargetNodeID,
			&e.SourceLogicalKey, &e.TargetLogicalKey, &e.Scope.DomainID, &e.Scope.TeamID,
			&e.Confidence, &metaRaw, &e.LogicalKey, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan edge row")
		}
		e.Scope.OrgID = e.TenantID
		e.Scope.ProjectID = e.ProjectID
		_ = json.Unmarshal(metaRaw, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Neighbors returns the nodes adjacent to q.NodeID honoring edge-type and
// direction filters, used by the BFS graph expander (C10).
func (s *PostgresStore) Neighbors(ctx context.Context, q NeighborQuery) ([]Neighbor, error) {
	var clauses []string
	args := []any{q.Scope.OrgID, q.NodeID}
	switch q.Direction {
	case DirectionOut:
		clauses = append(clauses, "e.source_node_id = $2")
	case DirectionIn:
		clauses = append(clauses, "e.target_node_id = $2")
	default:
		clauses = append(clauses, "(e.source_node_id = $2 OR e.target_node_id = $2)")
	}
	query := fmt.Sprintf(`
		SELECT e.id, e.tenant_id, e.project_id, e.edge_type, e.source_node_id, e.target_node_id,
		       e.source_logical_key, e.target_logical_key, e.scope_domain_id, e.scope_team_id,
		       e.confidence, e.metadata, e.logical_key, e.created_at, e.updated_at
		FROM graph_edges e WHERE e.tenant_id = $1 AND %s`, clauses[0])
	if len(q.EdgeTypes) > 0 {
		args = append(args, q.EdgeTypes)
		query += fmt.Sprintf(" AND e.edge_type = ANY($%d)", len(args))
	}
	if q.PerNodeLimit > 0 {
		args = append(args, q.PerNodeLimit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "neighbors")
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		e := &Edge{}
		var metaRaw []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.EdgeType, &e.SourceNodeID, &e.TargetNodeID,
			&e.SourceLogicalKey, &e.TargetLogicalKey, &e.Scope.DomainID, &e.Scope.TeamID,
			&e.Confidence, &metaRaw, &e.LogicalKey, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan neighbor edge")
		}
		e.Scope.OrgID = e.TenantID
		_ = json.Unmarshal(metaRaw, &e.Metadata)

		otherID := e.TargetNodeID
		if e.TargetNodeID == q.NodeID {
			otherID = e.SourceNodeID
		}
		other, err := s.GetNode(ctx, q.Scope.OrgID, otherID)
		if err != nil {
			continue
		}
		out = append(out, Neighbor{Node: other, Edge: e})
	}
	return out, rows.Err()
}

// PutEmbedding stores (vector, hash(vector), modelId) keyed by entityId||hash.
func (s *PostgresStore) PutEmbedding(ctx context.Context, entityID string, vector []float32, modelID string) error {
	h := vectorHash(vector)
	vec := make([]float64, len(vector))
	for i, v := range vector {
		vec[i] = float64(v)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_embeddings (entity_id, model_id, vector, vec_hash)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (entity_id, model_id, vec_hash) DO UPDATE SET vector = EXCLUDED.vector`,
		entityID, modelID, vec, h)
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, "put embedding")
	}
	return nil
}

// SearchEmbeddings computes cosine similarity over the model-filtered
// subset in application code (no pgvector extension assumed) and returns
// the top-limit matches, ties broken by more-recent createdAt.
func (s *PostgresStore) SearchEmbeddings(ctx context.Context, query []float32, limit int, modelID string) ([]EmbeddingMatch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, vector, created_at FROM graph_embeddings WHERE model_id = $1`, modelID)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "search embeddings")
	}
	defer rows.Close()

	type scored struct {
		EmbeddingMatch
		createdAt time.Time
	}
	var candidates []scored
	for rows.Next() {
		var entityID string
		var vec []float64
		var createdAt time.Time
		if err := rows.Scan(&entityID, &vec, &createdAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan embedding row")
		}
		candidates = append(candidates, scored{
			EmbeddingMatch: EmbeddingMatch{EntityID: entityID, Score: cosineSimilarity(query, vec)},
			createdAt:      createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].createdAt.After(candidates[j].createdAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]EmbeddingMatch, len(candidates))
	for i, c := range candidates {
		out[i] = c.EmbeddingMatch
	}
	return out, nil
}

func cosineSimilarity(a []float32, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		av := float64(a[i])
		dot += av * b[i]
		normA += av * av
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func vectorHash(vector []float32) string {
	var sum uint64
	for i, v := range vector {
		bits := uint64(math.Float32bits(v))
		sum = sum*31 + bits + uint64(i)
	}
	return fmt.Sprintf("%x", sum)
}
