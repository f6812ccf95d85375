// Package controlplane implements the protocol-neutral control-plane
// verbs (C13) — listEndpoints, listUnitsWithStatus, startIngestion,
// pauseIngestion, resetIngestionCheckpoint, configureIngestionUnit —
// plus the GraphRAG verbs, and an Echo HTTP front end over both.
//
// Grounded on api/jwt.go's Handlers-struct-holds-service-dependencies
// shape, generalized from RabbitMQ/CouchDB/JWT to the ingestion engine,
// metadata store, and GraphRAG service.
package controlplane

import (
	"context"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphrag"
	"github.com/nucleus-metadata/ingestiond/ingest"
	"github.com/nucleus-metadata/ingestiond/metadatastore"
)

// ActionResult is the uniform shape every control-plane mutation
// returns, spec.md §6: `{ok, runId?, state?, message?}`. Message never
// carries a stack trace, only the sanitized apperr message.
type ActionResult struct {
	OK      bool   `json:"ok"`
	RunID   string `json:"runId,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorResult(err error) ActionResult {
	return ActionResult{OK: false, Message: err.Error()}
}

// Handlers implements every control-plane verb over the ingestion
// engine and metadata store.
type Handlers struct {
	metadata *metadatastore.Store
	engine   *ingest.Engine
	graphrag *graphrag.Service
}

func NewHandlers(metadata *metadatastore.Store, engine *ingest.Engine, rag *graphrag.Service) *Handlers {
	return &Handlers{metadata: metadata, engine: engine, graphrag: rag}
}

// ListEndpoints returns endpoints matching an optional project slug and
// search term, capped at first results.
func (h *Handlers) ListEndpoints(ctx context.Context, projectSlug, search string, first int) ([]*metadatastore.Endpoint, error) {
	return h.metadata.ListEndpoints(ctx, projectSlug, search, first)
}

// ListUnitsWithStatus re-discovers an endpoint's units live and reports
// each one's configuration and run status.
func (h *Handlers) ListUnitsWithStatus(ctx context.Context, endpointID string) ([]ingest.UnitStatus, error) {
	if endpointID == "" {
		return nil, apperr.New(apperr.InvalidInput, "endpointId is required")
	}
	return h.engine.Status(ctx, endpointID)
}

// StartIngestion starts a run for (endpointID, unitID).
func (h *Handlers) StartIngestion(ctx context.Context, endpointID, unitID string) ActionResult {
	run, err := h.engine.StartRun(ctx, endpointID, unitID)
	if err != nil {
		return errorResult(err)
	}
	return ActionResult{OK: true, RunID: run.ID, State: string(run.State)}
}

// PauseIngestion cooperatively cancels the in-flight run for
// (endpointID, unitID), if any.
func (h *Handlers) PauseIngestion(ctx context.Context, endpointID, unitID string) ActionResult {
	if err := h.engine.PauseRun(ctx, endpointID, unitID); err != nil {
		return errorResult(err)
	}
	return ActionResult{OK: true, Message: "pause requested"}
}

// ResetIngestionCheckpoint clears the stored checkpoint for
// (endpointID, unitID); idempotent when there is none.
func (h *Handlers) ResetIngestionCheckpoint(ctx context.Context, endpointID, unitID string) ActionResult {
	if err := h.engine.ResetCheckpoint(ctx, endpointID, unitID); err != nil {
		return errorResult(err)
	}
	return ActionResult{OK: true}
}

// ConfigureIngestionUnitInput is configureIngestionUnit's input.
type ConfigureIngestionUnitInput struct {
	EndpointID string
	UnitID     string
	Config     ingest.ConfigureInput
}

// ConfigureIngestionUnit validates and persists a unit's configuration.
func (h *Handlers) ConfigureIngestionUnit(ctx context.Context, in ConfigureIngestionUnitInput) ActionResult {
	if err := h.engine.Configure(ctx, in.EndpointID, in.UnitID, in.Config); err != nil {
		return errorResult(err)
	}
	return ActionResult{OK: true}
}
