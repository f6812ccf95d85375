// Package kvstore provides versioned, CAS-capable key-value storage for
// ingestion checkpoints and other small per-unit state. Every write is
// guarded by an expected version so concurrent schedulers can never
// silently clobber each other's checkpoint.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kvstore: key not found")

// Entry is a stored value plus the version a caller must present to
// overwrite or delete it.
type Entry struct {
	Value   []byte
	Version int64
}

// Store is the CAS key-value contract. Implementations: redis (primary,
// see redisstore.go) and bbolt (embedded alternative, see boltstore.go).
type Store interface {
	// Get returns the current value and version for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value under key. expectedVersion must equal the
	// current stored version (0 if the key does not yet exist); on
	// mismatch it returns an apperr.Conflict error. Returns the new
	// version on success.
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) (int64, error)

	// Delete removes key if its current version equals expectedVersion.
	// Deleting an already-absent key with expectedVersion 0 succeeds
	// (idempotent), matching resetCheckpoint's idempotency requirement.
	Delete(ctx context.Context, key string, expectedVersion int64) error
}

// CheckpointKey builds the storage key for a unit's driver checkpoint.
// Downstream stages (e.g. a sink's own indexing offset) use
// DownstreamKey instead so they never collide with the engine's own
// checkpoint slot.
func CheckpointKey(endpointID, unitID string) string {
	return "checkpoint:" + endpointID + ":" + unitID
}

// DownstreamKey builds a storage key for a named downstream checkpoint
// scoped to a unit, per spec.md's readCheckpoint/writeCheckpoint facility.
func DownstreamKey(endpointID, unitID, name string) string {
	return "checkpoint:" + endpointID + ":" + unitID + ":" + name
}

// conflictErr wraps a CAS mismatch as a classified apperr.Error so
// callers across the engine can branch without sentinel comparison.
func conflictErr(key string, expected, actual int64) error {
	msg := fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual)
	return apperr.New(apperr.Conflict, msg).WithField(key)
}
