// Package drivers defines the source-driver contract (spec.md §6) and a
// registry for looking up drivers by id, following the teacher's forge
// package's per-vendor function style generalized into pluggable
// implementations of one interface.
package drivers

import (
	"context"
	"fmt"
	"sync"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// Provenance records where a normalized record came from.
type Provenance struct {
	EndpointID    string
	Vendor        string
	SourceEventID string
}

// EdgeSpec describes an edge attached to a normalized record, keyed by
// the logical ids of its endpoints (resolved to graph logical keys by
// the sink, not the driver).
type EdgeSpec struct {
	Type            string
	SourceLogicalID string
	TargetLogicalID string
	Properties      map[string]any
}

// NormalizedRecord is the driver output unit, spec.md §6.
type NormalizedRecord struct {
	EntityType  string
	LogicalID   string
	DisplayName string
	Scope       Scope
	Provenance  Provenance
	Payload     map[string]any
	Phase       string
	Edges       []EdgeSpec
}

// Scope mirrors graphstore.Scope without importing it, to keep drivers
// independent of the graph store's package.
type Scope struct {
	OrgID     string
	ProjectID string
	DomainID  string
	TeamID    string
}

// Batch is a group of records produced by one syncUnit call.
type Batch struct {
	Records []NormalizedRecord
}

// SyncError is one of the non-fatal per-item errors a driver may report
// alongside a batch, per spec.md §6 ("errors?:[{code?, message, sample?}]").
type SyncError struct {
	Code    string
	Message string
	Sample  string
}

// SyncResult is syncUnit's return value.
type SyncResult struct {
	NewCheckpoint  []byte
	Stats          map[string]float64
	Batches        []Batch
	SourceEventIDs []string
	Errors         []SyncError
}

// UnitDescriptor describes one ingestable slice of an endpoint, spec.md §3.
type UnitDescriptor struct {
	UnitID              string
	Kind                string
	DisplayName         string
	DatasetID           string
	DefaultMode         string // FULL | INCREMENTAL
	SupportedModes      []string
	DefaultSinkID       string
	DefaultScheduleKind string // MANUAL | INTERVAL
	DefaultInterval     int
	DefaultPolicy       map[string]any
	CDMModelID          string
}

// EndpointConfig is the subset of an endpoint's configuration a driver
// needs to talk to its source.
type EndpointConfig struct {
	EndpointID string
	URL        string
	Token      string
	Config     map[string]any
}

// SyncRequest is the syncUnit input, spec.md §6.
type SyncRequest struct {
	Endpoint   EndpointConfig
	UnitID     string
	Checkpoint []byte
	Limit      int
}

// Driver is the source-plugin contract.
type Driver interface {
	// DriverID identifies this driver for endpoint configuration and
	// registry lookup (e.g. "gitlab", "gitea", "msgraph").
	DriverID() string

	// ListUnits enumerates the units this endpoint currently exposes.
	// Failures surface apperr.UpstreamUnavailable (spec.md: E_DRIVER_UNAVAILABLE).
	ListUnits(ctx context.Context, ep EndpointConfig) ([]UnitDescriptor, error)

	// EstimateLag optionally reports how far behind a unit's last
	// checkpoint is from the source's current state. Returns (nil, nil)
	// when the driver has no lag signal for this unit.
	EstimateLag(ctx context.Context, ep EndpointConfig, unitID string) (*float64, error)

	// SyncUnit pulls the next batch(es) for a unit given its previous
	// checkpoint, handed back flat per the checkpoint flattening
	// invariant (spec.md §4.1) — the driver never receives a wrapped
	// checkpoint and must never return one.
	SyncUnit(ctx context.Context, req SyncRequest) (*SyncResult, error)
}

// Registry looks up drivers by id, spec.md C5.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds or replaces a driver under its own DriverID.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.DriverID()] = d
}

// Get looks up a driver by id.
func (r *Registry) Get(driverID string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return nil, apperr.New(apperr.UpstreamUnavailable, fmt.Sprintf("no driver registered for id %q", driverID))
	}
	return d, nil
}

// IDs returns every registered driver id, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	return ids
}
