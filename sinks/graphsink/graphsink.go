// Package graphsink implements sinks.Sink over a graphstore.Store,
// the default ingestion sink target (spec.md C6/C7). A session tracks
// which driver-supplied logical ids resolved to which graph node ids
// within its own batches, so edges referencing a record seen earlier
// in the same run can be wired without a second round-trip to the
// store. Grounded on queue.RabbitMQService's connect-once,
// write-many, close-once lifecycle (queue/rabbit.go), generalized from
// publish-and-forget messaging into a transactional three-phase sink.
package graphsink

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/logging"
	"github.com/nucleus-metadata/ingestiond/sinks"
)

const SinkID = "graph"

var log = logging.Component("sinks.graphsink")

// Sink writes normalized records into a graphstore.Store.
type Sink struct {
	store graphstore.Store
}

func New(store graphstore.Store) *Sink {
	return &Sink{store: store}
}

func (s *Sink) SinkID() string { return SinkID }

func (s *Sink) Begin(ctx context.Context, meta sinks.RunMeta) (sinks.Session, error) {
	return &session{store: s.store, meta: meta, resolved: make(map[string]resolvedNode)}, nil
}

type resolvedNode struct {
	id       string
	tenantID string
}

type session struct {
	store graphstore.Store
	meta  sinks.RunMeta

	mu       sync.Mutex
	resolved map[string]resolvedNode // driver logical id -> graph node, scoped to this run
}

func (sess *session) WriteBatch(ctx context.Context, batch drivers.Batch) (sinks.WriteStats, error) {
	var stats sinks.WriteStats
	stats.RecordsSeen = len(batch.Records)

	var pendingEdges []drivers.EdgeSpec

	for _, rec := range batch.Records {
		node, err := sess.upsertNode(ctx, rec)
		if err != nil {
			return stats, apperr.Wrap(apperr.CodeOf(err), err, fmt.Sprintf("write node %q", rec.LogicalID))
		}
		stats.NodesWritten++
		sess.mu.Lock()
		sess.resolved[rec.LogicalID] = resolvedNode{id: node.ID, tenantID: node.TenantID}
		sess.mu.Unlock()
		pendingEdges = append(pendingEdges, rec.Edges...)
	}

	for _, edge := range pendingEdges {
		sess.mu.Lock()
		source, sourceOK := sess.resolved[edge.SourceLogicalID]
		target, targetOK := sess.resolved[edge.TargetLogicalID]
		sess.mu.Unlock()
		if !sourceOK || !targetOK {
			log.WithField("edgeType", edge.Type).Warn("edge endpoint not resolved in this run, skipping")
			continue
		}
		if _, err := sess.store.UpsertEdge(ctx, graphstore.UpsertEdgeInput{
			TenantID:         source.tenantID,
			EdgeType:         edge.Type,
			SourceNodeID:     source.id,
			TargetNodeID:     target.id,
			OriginEndpointID: sess.meta.EndpointID,
			Metadata:         edge.Properties,
		}); err != nil {
			return stats, apperr.Wrap(apperr.CodeOf(err), err, fmt.Sprintf("write edge %q", edge.Type))
		}
		stats.EdgesWritten++
	}

	return stats, nil
}

func (sess *session) upsertNode(ctx context.Context, rec drivers.NormalizedRecord) (*graphstore.Node, error) {
	return sess.store.UpsertNode(ctx, graphstore.UpsertNodeInput{
		TenantID:         rec.Scope.OrgID,
		ProjectID:        rec.Scope.ProjectID,
		EntityType:       rec.EntityType,
		DisplayName:      rec.DisplayName,
		FallbackID:       rec.LogicalID,
		Properties:       rec.Payload,
		Scope:            graphstore.Scope{OrgID: rec.Scope.OrgID, ProjectID: rec.Scope.ProjectID, DomainID: rec.Scope.DomainID, TeamID: rec.Scope.TeamID},
		OriginEndpointID: rec.Provenance.EndpointID,
		OriginVendor:     rec.Provenance.Vendor,
		Phase:            rec.Phase,
		Provenance: map[string]any{
			"endpointId":    rec.Provenance.EndpointID,
			"vendor":        rec.Provenance.Vendor,
			"sourceEventId": rec.Provenance.SourceEventID,
		},
	})
}

// Commit is a no-op: every write already happened transactionally per
// statement against the graph store, which has no cross-batch
// transaction concept to finalize (spec.md §5's serialize-by-logicalKey
// guarantee is enforced inside the store itself, not by this sink).
func (sess *session) Commit(ctx context.Context) error {
	return nil
}

// Abort is a no-op for the same reason Commit is: there is no
// pending, uncommitted state held outside the store to discard.
func (sess *session) Abort(ctx context.Context) error {
	return nil
}
