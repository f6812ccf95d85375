// Package sinks defines the ingestion sink contract (spec.md §6:
// begin -> writeBatch* -> commit|abort) and a registry for looking sinks
// up by id, mirroring drivers.Registry's shape — generalized from the
// teacher's queue.MessagePublisher connect/publish/close lifecycle
// (queue/rabbit.go) into a three-phase transactional write contract.
package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
)

// RunMeta identifies the run a sink session belongs to, passed to
// Begin so a sink can namespace its writes (e.g. a staging key prefix)
// without the ingestion engine knowing sink internals.
type RunMeta struct {
	EndpointID string
	UnitID     string
	RunID      string
	BatchIndex int
}

// WriteStats summarizes what a writeBatch call did, surfaced back to
// the ingestion engine for run stats (spec.md §3's run stats fields).
type WriteStats struct {
	NodesWritten int
	EdgesWritten int
	RecordsSeen  int
}

// Session is an open write transaction against one sink, scoped to a
// single run. Implementations must tolerate Abort being called after a
// failed WriteBatch, and Commit must be idempotent-safe to call once.
type Session interface {
	WriteBatch(ctx context.Context, batch drivers.Batch) (WriteStats, error)
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Sink is the pluggable write target contract.
type Sink interface {
	SinkID() string
	Begin(ctx context.Context, meta RunMeta) (Session, error)
}

// Registry looks up sinks by id, spec.md C6.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]Sink)}
}

func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.SinkID()] = s
}

func (r *Registry) Get(sinkID string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[sinkID]
	if !ok {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("no sink registered for id %q", sinkID))
	}
	return s, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	return ids
}
