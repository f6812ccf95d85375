package metadatastore

import (
	"context"
	"fmt"
)

// schema is executed by Migrate to create every table this store reads
// and writes, following the teacher's own inline-DDL convention (see
// semantic/runtime/event_store.go's CREATE TABLE IF NOT EXISTS block)
// rather than a separate migration-file toolchain.
const schema = `
CREATE TABLE IF NOT EXISTS endpoints (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	display_name      TEXT NOT NULL,
	verb              TEXT NOT NULL,
	url               TEXT NOT NULL,
	auth_policy_ref   TEXT NOT NULL DEFAULT '',
	project_id        TEXT NOT NULL,
	domain_id         TEXT NOT NULL DEFAULT '',
	labels            TEXT[] NOT NULL DEFAULT '{}',
	config            JSONB NOT NULL DEFAULT '{}',
	detected_version  TEXT NOT NULL DEFAULT '',
	capabilities      TEXT[] NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at        TIMESTAMPTZ,
	deleted_reason    TEXT
);
CREATE INDEX IF NOT EXISTS idx_endpoints_project_id ON endpoints(project_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS unit_configs (
	endpoint_id       TEXT NOT NULL REFERENCES endpoints(id),
	unit_id           TEXT NOT NULL,
	enabled           BOOLEAN NOT NULL DEFAULT false,
	run_mode          TEXT NOT NULL,
	mode              TEXT NOT NULL,
	sink_id           TEXT NOT NULL,
	sink_endpoint_id  TEXT,
	staging_provider_id TEXT NOT NULL DEFAULT '',
	schedule_kind     TEXT NOT NULL,
	interval_minutes  INTEGER,
	policy            JSONB NOT NULL DEFAULT '{}',
	filter            JSONB NOT NULL DEFAULT '{}',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (endpoint_id, unit_id)
);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id           TEXT PRIMARY KEY,
	endpoint_id  TEXT NOT NULL REFERENCES endpoints(id),
	unit_id      TEXT NOT NULL,
	mode         TEXT NOT NULL,
	state        TEXT NOT NULL,
	stats        JSONB NOT NULL DEFAULT '{}',
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ended_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_ingestion_runs_unit ON ingestion_runs(endpoint_id, unit_id, started_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ingestion_runs_one_active
	ON ingestion_runs(endpoint_id, unit_id) WHERE state = 'RUNNING';

CREATE TABLE IF NOT EXISTS observed_entities (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	source_type     TEXT NOT NULL,
	source_id       TEXT NOT NULL,
	source_url      TEXT NOT NULL DEFAULT '',
	entity_payload  JSONB NOT NULL,
	observed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status          TEXT NOT NULL,
	canonical_id    TEXT NOT NULL DEFAULT '',
	match_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
	matched_by      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_observed_entities_source
	ON observed_entities(tenant_id, source_type, source_id);
`

// Migrate creates every table this store needs if absent. It is safe to
// call on every process start, matching the teacher's idempotent
// CREATE TABLE IF NOT EXISTS convention.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("metadatastore: migrate: %w", err)
	}
	return nil
}
