// Package ingest implements the ingestion engine (spec.md C7): the
// discover/configure/startRun/pauseRun/resetCheckpoint/status contract
// that drives every source driver and sink to a tenant-scoped graph.
// Run-state transitions and per-unit concurrency tracking are grounded
// on coordinator.PhaseManager's mutex-guarded map-of-state-by-id
// pattern (coordinator/phases.go), generalized from one phase table per
// workflow to one non-terminal run per (endpointId, unitId).
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/kvstore"
	"github.com/nucleus-metadata/ingestiond/logging"
	"github.com/nucleus-metadata/ingestiond/metadatastore"
	"github.com/nucleus-metadata/ingestiond/sinks"
)

var log = logging.Component("ingest")

// DefaultStagingProviderID is the well-known staging sink used when a
// unit configuration leaves stagingProviderId unset, satisfying
// startRun's "present or explicitly defaulted to a known provider"
// precondition (spec.md §4.1).
const DefaultStagingProviderID = "staging"

// Clock is a test seam for the wall clock.
type Clock func() time.Time

// ConfigureInput is the configure() request body, spec.md §3's unit
// configuration attributes.
type ConfigureInput struct {
	Enabled           bool
	RunMode           string // FULL | INCREMENTAL
	Mode              string // raw | cdm
	SinkID            string
	SinkEndpointID    string
	StagingProviderID string
	ScheduleKind      string // MANUAL | INTERVAL
	IntervalMinutes   int
	Policy            map[string]any
	Filter            map[string]any
}

// UnitStatus is one row of status(endpointId)'s response, spec.md §4.1.
type UnitStatus struct {
	Unit       drivers.UnitDescriptor
	Config     *metadatastore.UnitConfig
	ActiveRun  *metadatastore.Run
	LastRun    *metadatastore.Run
	NextRunETA *time.Time
}

// Engine wires the metadata store, checkpoint store, and driver/sink
// registries into the run lifecycle state machine.
type Engine struct {
	metadata *metadatastore.Store
	kv       kvstore.Store
	drivers  *drivers.Registry
	sinks    *sinks.Registry
	now      Clock

	mu     sync.Mutex
	active map[string]*runHandle // concurrencyKey -> in-flight run
}

type runHandle struct {
	runID  string
	cancel context.CancelFunc
}

func New(metadata *metadatastore.Store, kv kvstore.Store, driverRegistry *drivers.Registry, sinkRegistry *sinks.Registry) *Engine {
	return &Engine{
		metadata: metadata,
		kv:       kv,
		drivers:  driverRegistry,
		sinks:    sinkRegistry,
		now:      time.Now,
		active:   make(map[string]*runHandle),
	}
}

// NewWithClock is the test seam: callers supply a deterministic Clock.
func NewWithClock(metadata *metadatastore.Store, kv kvstore.Store, driverRegistry *drivers.Registry, sinkRegistry *sinks.Registry, clock Clock) *Engine {
	e := New(metadata, kv, driverRegistry, sinkRegistry)
	e.now = clock
	return e
}

func concurrencyKey(endpointID, unitID string) string {
	return endpointID + "/" + unitID
}

func (e *Engine) driverEndpointConfig(ep *metadatastore.Endpoint) drivers.EndpointConfig {
	token, _ := ep.Config["token"].(string)
	return drivers.EndpointConfig{EndpointID: ep.ID, URL: ep.URL, Token: token, Config: ep.Config}
}

// Discover delegates to the driver registered for the endpoint's
// source id. Any failure — unknown driver, transport error — surfaces
// as E_DRIVER_UNAVAILABLE (apperr.UpstreamUnavailable), spec.md §4.1.
func (e *Engine) Discover(ctx context.Context, endpointID string) ([]drivers.UnitDescriptor, error) {
	ep, err := e.metadata.GetEndpoint(ctx, endpointID, false)
	if err != nil {
		return nil, err
	}
	drv, err := e.drivers.Get(ep.SourceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "E_DRIVER_UNAVAILABLE: "+ep.SourceID)
	}
	units, err := drv.ListUnits(ctx, e.driverEndpointConfig(ep))
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "E_DRIVER_UNAVAILABLE: "+ep.SourceID)
	}
	return units, nil
}

func (e *Engine) findUnitDescriptor(ctx context.Context, ep *metadatastore.Endpoint, unitID string) (*drivers.UnitDescriptor, error) {
	units, err := e.Discover(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		if u.UnitID == unitID {
			return &u, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, fmt.Sprintf("unit %q not offered by endpoint %q", unitID, ep.ID))
}

// Configure validates and atomically stores a unit's configuration,
// spec.md §4.1's configure() verb.
func (e *Engine) Configure(ctx context.Context, endpointID, unitID string, in ConfigureInput) error {
	ep, err := e.metadata.GetEndpoint(ctx, endpointID, false)
	if err != nil {
		return err
	}

	if in.ScheduleKind == "INTERVAL" && in.IntervalMinutes < 1 {
		return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: INTERVAL schedule requires interval >= 1").WithField("intervalMinutes")
	}
	if in.Mode == "cdm" {
		if in.SinkEndpointID == "" {
			return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: cdm mode requires sinkEndpointId").WithField("sinkEndpointId")
		}
		unit, err := e.findUnitDescriptor(ctx, ep, unitID)
		if err != nil {
			return err
		}
		if unit.CDMModelID == "" || !stringsContain(unit.SupportedModes, "cdm") {
			return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: unit has no compatible sink descriptor for cdm mode").WithField("mode")
		}
		// Resolved as early as possible per spec.md §9's open question on
		// cdm+sinkEndpointId pointing at a soft-deleted endpoint: fail
		// here rather than deferring to run time.
		if _, err := e.metadata.GetEndpoint(ctx, in.SinkEndpointID, false); err != nil {
			return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: sinkEndpointId does not resolve to a live endpoint").WithField("sinkEndpointId")
		}
	}
	if err := validatePolicy(in.Policy); err != nil {
		return err
	}

	stagingProviderID := in.StagingProviderID
	if stagingProviderID == "" {
		stagingProviderID = DefaultStagingProviderID
	}

	uc := &metadatastore.UnitConfig{
		EndpointID:        endpointID,
		UnitID:            unitID,
		Enabled:           in.Enabled,
		RunMode:           in.RunMode,
		Mode:              in.Mode,
		SinkID:            in.SinkID,
		SinkEndpointID:    in.SinkEndpointID,
		StagingProviderID: stagingProviderID,
		ScheduleKind:      in.ScheduleKind,
		IntervalMinutes:   in.IntervalMinutes,
		Policy:            in.Policy,
		Filter:            in.Filter,
	}
	return e.metadata.PutUnitConfig(ctx, uc)
}

// validatePolicy rejects well-known policy keys with the wrong shape
// per spec.md §3 ("policy: free-form map with well-known keys
// cursorField: string, primaryKeys: [string]").
func validatePolicy(policy map[string]any) error {
	if v, ok := policy["cursorField"]; ok {
		if _, isStr := v.(string); !isStr {
			return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: policy.cursorField must be a string").WithField("policy.cursorField")
		}
	}
	if v, ok := policy["primaryKeys"]; ok {
		items, isSlice := v.([]any)
		if !isSlice {
			return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: policy.primaryKeys must be an array of strings").WithField("policy.primaryKeys")
		}
		for _, item := range items {
			if _, isStr := item.(string); !isStr {
				return apperr.New(apperr.InvalidInput, "E_INVALID_CONFIG: policy.primaryKeys must be an array of strings").WithField("policy.primaryKeys")
			}
		}
	}
	return nil
}

func stringsContain(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// StartRun validates startRun's preconditions, creates a RUNNING run
// record, and launches execution in the background, spec.md §4.1.
func (e *Engine) StartRun(ctx context.Context, endpointID, unitID string) (*metadatastore.Run, error) {
	ep, err := e.metadata.GetEndpoint(ctx, endpointID, false)
	if err != nil {
		return nil, err
	}
	uc, err := e.metadata.GetUnitConfig(ctx, endpointID, unitID)
	if err != nil {
		return nil, err
	}
	if uc == nil || !uc.Enabled {
		return nil, apperr.New(apperr.InvalidInput, "E_NOT_CONFIGURED: unit is not configured and enabled").WithField("unitId")
	}
	if uc.SinkID == "" {
		return nil, apperr.New(apperr.InvalidInput, "E_MISSING_SINK: unit configuration has no sinkId").WithField("sinkId")
	}
	stagingProviderID := uc.StagingProviderID
	if stagingProviderID == "" {
		stagingProviderID = DefaultStagingProviderID
	}
	if _, err := e.sinks.Get(stagingProviderID); err != nil {
		return nil, apperr.New(apperr.InvalidInput, "E_MISSING_STAGING_PROVIDER: "+stagingProviderID).WithField("stagingProviderId")
	}

	key := concurrencyKey(endpointID, unitID)
	e.mu.Lock()
	if _, inFlight := e.active[key]; inFlight {
		e.mu.Unlock()
		return nil, apperr.New(apperr.Conflict, "E_ALREADY_RUNNING: a run is already in flight for this unit").WithField("unitId")
	}
	existing, err := e.metadata.GetActiveRun(ctx, endpointID, unitID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if existing != nil {
		e.mu.Unlock()
		return nil, apperr.New(apperr.Conflict, "E_ALREADY_RUNNING: a run is already in flight for this unit").WithField("unitId")
	}

	run := &metadatastore.Run{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		UnitID:     unitID,
		Mode:       uc.Mode,
		State:      metadatastore.RunRunning,
		StartedAt:  e.now(),
	}
	if err := e.metadata.CreateRun(ctx, run); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.active[key] = &runHandle{runID: run.ID, cancel: cancel}
	e.mu.Unlock()

	go e.execute(runCtx, run, ep, uc, stagingProviderID)

	return run, nil
}

// execute performs the run lifecycle steps of spec.md §4.1: load
// checkpoint, driver.syncUnit, write every batch to the staging sink
// and the configured sink in order, then commit and persist the new
// checkpoint, or abort and preserve the pre-run checkpoint on failure.
func (e *Engine) execute(ctx context.Context, run *metadatastore.Run, ep *metadatastore.Endpoint, uc *metadatastore.UnitConfig, stagingProviderID string) {
	key := concurrencyKey(run.EndpointID, run.UnitID)
	defer func() {
		e.mu.Lock()
		delete(e.active, key)
		e.mu.Unlock()
	}()

	entry, loadErr := e.kv.Get(ctx, kvstore.CheckpointKey(run.EndpointID, run.UnitID))
	var checkpoint []byte
	var checkpointVersion int64
	if loadErr == nil {
		checkpoint = entry.Value
		checkpointVersion = entry.Version
	} else if loadErr != kvstore.ErrNotFound {
		e.finishFailed(ctx, run, fmt.Sprintf("load checkpoint: %v", loadErr))
		return
	}

	drv, err := e.drivers.Get(ep.SourceID)
	if err != nil {
		e.finishFailed(ctx, run, err.Error())
		return
	}
	result, err := drv.SyncUnit(ctx, drivers.SyncRequest{
		Endpoint:   e.driverEndpointConfig(ep),
		UnitID:     run.UnitID,
		Checkpoint: checkpoint,
		Limit:      0,
	})
	if err != nil {
		e.finishFailed(ctx, run, err.Error())
		return
	}

	stagingSink, err := e.sinks.Get(stagingProviderID)
	if err != nil {
		e.finishFailed(ctx, run, err.Error())
		return
	}
	mainSink, err := e.sinks.Get(uc.SinkID)
	if err != nil {
		e.finishFailed(ctx, run, err.Error())
		return
	}

	meta := sinks.RunMeta{EndpointID: run.EndpointID, UnitID: run.UnitID, RunID: run.ID}
	stagingSession, err := stagingSink.Begin(ctx, meta)
	if err != nil {
		e.finishFailed(ctx, run, err.Error())
		return
	}
	mainSession, err := mainSink.Begin(ctx, meta)
	if err != nil {
		_ = stagingSession.Abort(ctx)
		e.finishFailed(ctx, run, err.Error())
		return
	}

	stats := map[string]any{}
	paused := false
	for i, batch := range result.Batches {
		if ctx.Err() != nil {
			paused = true
			break
		}
		if _, err := stagingSession.WriteBatch(ctx, batch); err != nil {
			_ = stagingSession.Abort(ctx)
			_ = mainSession.Abort(ctx)
			e.finishFailed(ctx, run, fmt.Sprintf("stage batch %d: %v", i, err))
			return
		}
		writeStats, err := mainSession.WriteBatch(ctx, batch)
		if err != nil {
			_ = stagingSession.Abort(ctx)
			_ = mainSession.Abort(ctx)
			e.finishFailed(ctx, run, fmt.Sprintf("write batch %d: %v", i, err))
			return
		}
		stats["nodesWritten"] = toFloat(stats["nodesWritten"]) + float64(writeStats.NodesWritten)
		stats["edgesWritten"] = toFloat(stats["edgesWritten"]) + float64(writeStats.EdgesWritten)
		stats["recordsSeen"] = toFloat(stats["recordsSeen"]) + float64(writeStats.RecordsSeen)
	}
	for k, v := range result.Stats {
		stats[k] = v
	}

	if paused {
		if err := stagingSession.Commit(ctx); err != nil {
			log.WithError(err).Warn("commit staging session on pause")
		}
		if err := mainSession.Commit(ctx); err != nil {
			log.WithError(err).Warn("commit main session on pause")
		}
		// The driver's newCheckpoint applies atomically to the whole
		// syncUnit call; a cooperative pause mid-batches preserves the
		// pre-run checkpoint rather than adopting a partial one. ctx is
		// already canceled here, so the state update runs without it.
		if err := e.metadata.CompleteRun(context.WithoutCancel(ctx), run.ID, metadatastore.RunPaused, stats, ""); err != nil {
			log.WithError(err).Warn("complete run as paused")
		}
		return
	}

	if err := mainSession.Commit(ctx); err != nil {
		_ = stagingSession.Abort(ctx)
		e.finishFailed(ctx, run, fmt.Sprintf("commit: %v", err))
		return
	}
	if err := stagingSession.Commit(ctx); err != nil {
		log.WithError(err).Warn("commit staging session")
	}

	if len(result.NewCheckpoint) > 0 {
		if _, err := e.kv.Put(ctx, kvstore.CheckpointKey(run.EndpointID, run.UnitID), result.NewCheckpoint, checkpointVersion); err != nil {
			e.finishFailed(ctx, run, fmt.Sprintf("persist checkpoint: %v", err))
			return
		}
	}
	if err := e.metadata.CompleteRun(ctx, run.ID, metadatastore.RunSucceeded, stats, ""); err != nil {
		log.WithError(err).Warn("complete run as succeeded")
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

// finishFailed aborts the run with a sanitized terminal error. The
// full detail is logged server-side; only a truncated form is
// persisted on the run record (spec.md §7's "sanitized terminal
// error"). The truncation does not filter the text, so whatever the
// first 240 bytes of the detail contain is stored.
func (e *Engine) finishFailed(ctx context.Context, run *metadatastore.Run, detail string) {
	log.WithField("runId", run.ID).WithField("detail", detail).Warn("ingestion run failed")
	if err := e.metadata.CompleteRun(ctx, run.ID, metadatastore.RunFailed, nil, sanitize(detail)); err != nil {
		log.WithError(err).Warn("complete run as failed")
	}
}

// sanitize truncates detail to 240 bytes, appending an ellipsis when
// it cuts. It does not strip or rewrite any part of the text it keeps.
func sanitize(detail string) string {
	const maxLen = 240
	if len(detail) > maxLen {
		return detail[:maxLen] + "…"
	}
	return detail
}

// PauseRun requests cooperative cancellation of the in-flight run for
// a unit. The current batch completes; see execute's pause branch.
func (e *Engine) PauseRun(ctx context.Context, endpointID, unitID string) error {
	key := concurrencyKey(endpointID, unitID)
	e.mu.Lock()
	handle, ok := e.active[key]
	e.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "no in-flight run for this unit").WithField("unitId")
	}
	handle.cancel()
	return nil
}

// ResetCheckpoint atomically deletes the stored checkpoint, CAS'd
// against its current version. Deleting an absent checkpoint succeeds,
// satisfying resetCheckpoint's idempotency requirement (spec.md §8).
func (e *Engine) ResetCheckpoint(ctx context.Context, endpointID, unitID string) error {
	key := kvstore.CheckpointKey(endpointID, unitID)
	entry, err := e.kv.Get(ctx, key)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return e.kv.Delete(ctx, key, entry.Version)
}

// Status returns unit+status rows for every unit the endpoint's driver
// currently offers, merged with stored configuration and run history,
// spec.md §4.1's status() verb (consumed by the control plane, C13).
func (e *Engine) Status(ctx context.Context, endpointID string) ([]UnitStatus, error) {
	units, err := e.Discover(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	out := make([]UnitStatus, 0, len(units))
	for _, unit := range units {
		uc, err := e.metadata.GetUnitConfig(ctx, endpointID, unit.UnitID)
		if err != nil {
			return nil, err
		}
		active, err := e.metadata.GetActiveRun(ctx, endpointID, unit.UnitID)
		if err != nil {
			return nil, err
		}
		last, err := e.metadata.LastRun(ctx, endpointID, unit.UnitID)
		if err != nil {
			return nil, err
		}
		status := UnitStatus{Unit: unit, Config: uc, ActiveRun: active, LastRun: last}
		if uc != nil && uc.ScheduleKind == "INTERVAL" && last != nil && last.EndedAt != nil && last.State == metadatastore.RunSucceeded {
			eta := last.EndedAt.Add(time.Duration(uc.IntervalMinutes) * time.Minute)
			status.NextRunETA = &eta
		}
		out = append(out, status)
	}
	return out, nil
}
