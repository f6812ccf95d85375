// Package metadatastore is the durable record of endpoints, unit
// configuration, and run history (checkpoints live in kvstore), backed by
// PostgreSQL through raw SQL over jackc/pgx — no ORM, following the
// teacher's db.StateStore rather than its gorm-based repositories.
package metadatastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// Store wraps a pgx connection pool with the query set the ingestion
// engine and control plane need, matching the teacher's StateStore shape
// (a thin struct around *pgxpool.Pool, no repository interface
// indirection for a store this central).
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Callers build the pool with
// pgxpool.New themselves so connection string / TLS / pool-size
// concerns stay at the service boundary.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Endpoint is a configured source instance, per spec.md §3.
type Endpoint struct {
	ID              string
	SourceID        string
	DisplayName     string
	Verb            string
	URL             string
	AuthPolicyRef   string
	ProjectID       string
	DomainID        string
	Labels          []string
	Config          map[string]any
	DetectedVersion string
	Capabilities    []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	DeletedReason   string
}

// UnitConfig is the per-unit override record, spec.md §3.
type UnitConfig struct {
	EndpointID      string
	UnitID          string
	Enabled         bool
	RunMode         string // FULL | INCREMENTAL
	Mode            string // raw | cdm
	SinkID          string
	SinkEndpointID  string
	StagingProviderID string
	ScheduleKind    string // MANUAL | INTERVAL
	IntervalMinutes int
	Policy          map[string]any
	Filter          map[string]any
	UpdatedAt       time.Time
}

// RunState enumerates the ingestion run lifecycle, spec.md §3.
type RunState string

const (
	RunRunning   RunState = "RUNNING"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunPaused    RunState = "PAUSED"
)

// Run is an ingestion run record.
type Run struct {
	ID         string
	EndpointID string
	UnitID     string
	Mode       string
	State      RunState
	Stats      map[string]any
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}

// GetEndpoint loads an endpoint by id, excluding soft-deleted ones
// unless includeDeleted is set, matching "soft-deleted endpoints are
// invisible by default" (spec.md §3).
func (s *Store) GetEndpoint(ctx context.Context, id string, includeDeleted bool) (*Endpoint, error) {
	query := `
		SELECT id, source_id, display_name, verb, url, auth_policy_ref, project_id,
		       domain_id, labels, config, detected_version, capabilities,
		       created_at, updated_at, deleted_at, COALESCE(deleted_reason, '')
		FROM endpoints
		WHERE id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	ep := &Endpoint{}
	var configRaw []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&ep.ID, &ep.SourceID, &ep.DisplayName, &ep.Verb, &ep.URL, &ep.AuthPolicyRef,
		&ep.ProjectID, &ep.DomainID, &ep.Labels, &configRaw, &ep.DetectedVersion,
		&ep.Capabilities, &ep.CreatedAt, &ep.UpdatedAt, &ep.DeletedAt, &ep.DeletedReason,
	)
	if isNoRows(err) {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("endpoint %s not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "get endpoint")
	}
	if len(configRaw) > 0 {
		if err := json.Unmarshal(configRaw, &ep.Config); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "decode endpoint config")
		}
	}
	return ep, nil
}

// ListEndpoints returns non-deleted endpoints, optionally filtered by
// project slug and a case-insensitive display-name search term,
// matching the `listEndpoints(projectSlug?, search?, first)` control-
// plane verb in spec.md §6.
func (s *Store) ListEndpoints(ctx context.Context, projectID, search string, first int) ([]*Endpoint, error) {
	query := `
		SELECT id, source_id, display_name, verb, url, auth_policy_ref, project_id,
		       domain_id, labels, config, detected_version, capabilities,
		       created_at, updated_at, deleted_at, COALESCE(deleted_reason, '')
		FROM endpoints
		WHERE deleted_at IS NULL`
	args := []any{}
	argN := 1
	if projectID != "" {
		argN++
		query += fmt.Sprintf(" AND project_id = $%d", argN-1)
		args = append(args, projectID)
	}
	if search != "" {
		argN++
		query += fmt.Sprintf(" AND display_name ILIKE $%d", argN-1)
		args = append(args, "%"+search+"%")
	}
	query += " ORDER BY created_at DESC"
	if first > 0 {
		argN++
		query += fmt.Sprintf(" LIMIT $%d", argN-1)
		args = append(args, first)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "list endpoints")
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		ep := &Endpoint{}
		var configRaw []byte
		if err := rows.Scan(
			&ep.ID, &ep.SourceID, &ep.DisplayName, &ep.Verb, &ep.URL, &ep.AuthPolicyRef,
			&ep.ProjectID, &ep.DomainID, &ep.Labels, &configRaw, &ep.DetectedVersion,
			&ep.Capabilities, &ep.CreatedAt, &ep.UpdatedAt, &ep.DeletedAt, &ep.DeletedReason,
		); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan endpoint row")
		}
		if len(configRaw) > 0 {
			_ = json.Unmarshal(configRaw, &ep.Config)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// CreateEndpoint inserts a new endpoint record.
func (s *Store) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	configRaw, err := json.Marshal(ep.Config)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "marshal endpoint config")
	}
	query := `
		INSERT INTO endpoints (id, source_id, display_name, verb, url, auth_policy_ref,
		                        project_id, domain_id, labels, config, detected_version, capabilities,
		                        created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())`
	_, err = s.pool.Exec(ctx, query, ep.ID, ep.SourceID, ep.DisplayName, ep.Verb, ep.URL,
		ep.AuthPolicyRef, ep.ProjectID, ep.DomainID, ep.Labels, configRaw, ep.DetectedVersion, ep.Capabilities)
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, "create endpoint")
	}
	return nil
}

// SoftDeleteEndpoint marks an endpoint deleted without removing its row,
// preserving run history and unit configuration for audit.
func (s *Store) SoftDeleteEndpoint(ctx context.Context, id, reason string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE endpoints SET deleted_at = NOW(), deleted_reason = $1, updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NULL`, reason, id)
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, "soft delete endpoint")
	}
	if res.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("endpoint %s not found", id))
	}
	return nil
}

// GetUnitConfig loads the per-unit configuration override, or nil with
// no error if the unit has never been configured.
func (s *Store) GetUnitConfig(ctx context.Context, endpointID, unitID string) (*UnitConfig, error) {
	query := `
		SELECT endpoint_id, unit_id, enabled, run_mode, mode, sink_id,
		       COALESCE(sink_endpoint_id, ''), staging_provider_id, schedule_kind, interval_minutes,
		       policy, filter, updated_at
		FROM unit_configs WHERE endpoint_id = $1 AND unit_id = $2`

	uc := &UnitConfig{}
	var policyRaw, filterRaw []byte
	var interval *int
	err := s.pool.QueryRow(ctx, query, endpointID, unitID).Scan(
		&uc.EndpointID, &uc.UnitID, &uc.Enabled, &uc.RunMode, &uc.Mode, &uc.SinkID,
		&uc.SinkEndpointID, &uc.StagingProviderID, &uc.ScheduleKind, &interval, &policyRaw, &filterRaw, &uc.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "get unit config")
	}
	if interval != nil {
		uc.IntervalMinutes = *interval
	}
	if len(policyRaw) > 0 {
		_ = json.Unmarshal(policyRaw, &uc.Policy)
	}
	if len(filterRaw) > 0 {
		_ = json.Unmarshal(filterRaw, &uc.Filter)
	}
	return uc, nil
}

// PutUnitConfig stores a unit configuration atomically (upsert),
// matching spec.md §4.1's "stores the configuration atomically".
func (s *Store) PutUnitConfig(ctx context.Context, uc *UnitConfig) error {
	policyRaw, err := json.Marshal(uc.Policy)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "marshal policy")
	}
	filterRaw, err := json.Marshal(uc.Filter)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, err, "marshal filter")
	}
	var interval *int
	if uc.ScheduleKind == "INTERVAL" {
		interval = &uc.IntervalMinutes
	}
	var sinkEndpointID *string
	if uc.SinkEndpointID != "" {
		sinkEndpointID = &uc.SinkEndpointID
	}

	query := `
		INSERT INTO unit_configs (endpoint_id, unit_id, enabled, run_mode, mode, sink_id,
		                           sink_endpoint_id, staging_provider_id, schedule_kind, interval_minutes, policy, filter, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
		ON CONFLICT (endpoint_id, unit_id) DO UPDATE SET
			enabled = EXCLUDED.enabled, run_mode = EXCLUDED.run_mode, mode = EXCLUDED.mode,
			sink_id = EXCLUDED.sink_id, sink_endpoint_id = EXCLUDED.sink_endpoint_id,
			staging_provider_id = EXCLUDED.staging_provider_id,
			schedule_kind = EXCLUDED.schedule_kind, interval_minutes = EXCLUDED.interval_minutes,
			policy = EXCLUDED.policy, filter = EXCLUDED.filter, updated_at = NOW()`
	_, err = s.pool.Exec(ctx, query, uc.EndpointID, uc.UnitID, uc.Enabled, uc.RunMode, uc.Mode,
		uc.SinkID, sinkEndpointID, uc.StagingProviderID, uc.ScheduleKind, interval, policyRaw, filterRaw)
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, "put unit config")
	}
	return nil
}

// GetActiveRun returns the non-terminal run for (endpointID, unitID), or
// nil if none, enforcing "at most one non-terminal run per (endpoint,
// unit)" (spec.md §3).
func (s *Store) GetActiveRun(ctx context.Context, endpointID, unitID string) (*Run, error) {
	query := `
		SELECT id, endpoint_id, unit_id, mode, state, stats, COALESCE(error, ''), started_at, ended_at
		FROM ingestion_runs
		WHERE endpoint_id = $1 AND unit_id = $2 AND state = 'RUNNING'
		ORDER BY started_at DESC LIMIT 1`
	return s.scanRun(ctx, query, endpointID, unitID)
}

// CreateRun inserts a new RUNNING run record. The caller is responsible
// for first checking GetActiveRun to enforce the single-in-flight-run
// invariant (the unique partial index on state='RUNNING' backs it up at
// the database layer, see the schema constant in migrate.go).
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	statsRaw, _ := json.Marshal(run.Stats)
	query := `
		INSERT INTO ingestion_runs (id, endpoint_id, unit_id, mode, state, stats, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())`
	_, err := s.pool.Exec(ctx, query, run.ID, run.EndpointID, run.UnitID, run.Mode, run.State, statsRaw)
	if err != nil {
		return apperr.Wrap(apperr.Conflict, err, "create run (another run may be active)")
	}
	return nil
}

// CompleteRun transitions a run to a terminal state with final stats and
// an optional sanitized error message.
func (s *Store) CompleteRun(ctx context.Context, runID string, state RunState, stats map[string]any, errMsg string) error {
	statsRaw, _ := json.Marshal(stats)
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	res, err := s.pool.Exec(ctx, `
		UPDATE ingestion_runs SET state = $1, stats = $2, error = $3, ended_at = NOW()
		WHERE id = $4`, state, statsRaw, errVal, runID)
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, "complete run")
	}
	if res.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, fmt.Sprintf("run %s not found", runID))
	}
	return nil
}

// LastRun returns the most recent run for a unit, or nil if it has never run.
func (s *Store) LastRun(ctx context.Context, endpointID, unitID string) (*Run, error) {
	query := `
		SELECT id, endpoint_id, unit_id, mode, state, stats, COALESCE(error, ''), started_at, ended_at
		FROM ingestion_runs
		WHERE endpoint_id = $1 AND unit_id = $2
		ORDER BY started_at DESC LIMIT 1`
	return s.scanRun(ctx, query, endpointID, unitID)
}

func (s *Store) scanRun(ctx context.Context, query string, args ...any) (*Run, error) {
	run := &Run{}
	var statsRaw []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&run.ID, &run.EndpointID, &run.UnitID, &run.Mode, &run.State, &statsRaw, &run.Error,
		&run.StartedAt, &run.EndedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "scan run")
	}
	if len(statsRaw) > 0 {
		_ = json.Unmarshal(statsRaw, &run.Stats)
	}
	return run, nil
}

// RunHistory returns the most recent runs for a unit, newest first,
// bounded by limit, for the control plane's run-history views.
func (s *Store) RunHistory(ctx context.Context, endpointID, unitID string, limit int) ([]*Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, endpoint_id, unit_id, mode, state, stats, COALESCE(error, ''), started_at, ended_at
		FROM ingestion_runs
		WHERE endpoint_id = $1 AND unit_id = $2
		ORDER BY started_at DESC LIMIT $3`, endpointID, unitID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.RetriableTransport, err, "run history")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		var statsRaw []byte
		if err := rows.Scan(&run.ID, &run.EndpointID, &run.UnitID, &run.Mode, &run.State,
			&statsRaw, &run.Error, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan run row")
		}
		if len(statsRaw) > 0 {
			_ = json.Unmarshal(statsRaw, &run.Stats)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
