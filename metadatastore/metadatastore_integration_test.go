//go:build integration

package metadatastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresContainer starts a disposable PostgreSQL container,
// generalized from the teacher's db.setupPostgresContainer to return a
// ready pgxpool.Pool instead of a gorm handle.
func setupPostgresContainer(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestStore(t *testing.T) *Store {
	pool := setupPostgresContainer(t)
	store := New(pool)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestEndpointCreateGetSoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := &Endpoint{
		ID:          uuid.NewString(),
		SourceID:    "gitlab-group-42",
		DisplayName: "Group 42",
		Verb:        "gitlab",
		URL:         "https://gitlab.example.com/group/42",
		ProjectID:   "proj1",
		Config:      map[string]any{"token": "redacted"},
	}
	require.NoError(t, store.CreateEndpoint(ctx, ep))

	got, err := store.GetEndpoint(ctx, ep.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ep.DisplayName, got.DisplayName)
	assert.Equal(t, "redacted", got.Config["token"])

	require.NoError(t, store.SoftDeleteEndpoint(ctx, ep.ID, "rotated credentials"))

	_, err = store.GetEndpoint(ctx, ep.ID, false)
	assert.Error(t, err)

	visible, err := store.GetEndpoint(ctx, ep.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "rotated credentials", visible.DeletedReason)
}

func TestUnitConfigUpsertIsFieldWiseRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := &Endpoint{ID: uuid.NewString(), SourceID: "s1", DisplayName: "d", Verb: "gitea", URL: "u", ProjectID: "p1"}
	require.NoError(t, store.CreateEndpoint(ctx, ep))

	uc := &UnitConfig{
		EndpointID:      ep.ID,
		UnitID:          "issues",
		Enabled:         true,
		RunMode:         "INCREMENTAL",
		Mode:            "cdm",
		SinkID:          "graph",
		SinkEndpointID:  "sink-ep-1",
		ScheduleKind:    "INTERVAL",
		IntervalMinutes: 15,
		Policy:          map[string]any{"cursorField": "updatedAt"},
	}
	require.NoError(t, store.PutUnitConfig(ctx, uc))

	got, err := store.GetUnitConfig(ctx, ep.ID, "issues")
	require.NoError(t, err)
	assert.Equal(t, uc.Enabled, got.Enabled)
	assert.Equal(t, uc.IntervalMinutes, got.IntervalMinutes)
	assert.Equal(t, uc.SinkEndpointID, got.SinkEndpointID)
	assert.Equal(t, "updatedAt", got.Policy["cursorField"])
}

func TestOnlyOneActiveRunPerUnit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := &Endpoint{ID: uuid.NewString(), SourceID: "s1", DisplayName: "d", Verb: "gitea", URL: "u", ProjectID: "p1"}
	require.NoError(t, store.CreateEndpoint(ctx, ep))

	run1 := &Run{ID: uuid.NewString(), EndpointID: ep.ID, UnitID: "issues", Mode: "INCREMENTAL", State: RunRunning}
	require.NoError(t, store.CreateRun(ctx, run1))

	run2 := &Run{ID: uuid.NewString(), EndpointID: ep.ID, UnitID: "issues", Mode: "INCREMENTAL", State: RunRunning}
	err := store.CreateRun(ctx, run2)
	assert.Error(t, err, "a second RUNNING run for the same unit must be rejected")

	require.NoError(t, store.CompleteRun(ctx, run1.ID, RunSucceeded, map[string]any{"upserts": 50}, ""))
	require.NoError(t, store.CreateRun(ctx, run2))

	last, err := store.LastRun(ctx, ep.ID, "issues")
	require.NoError(t, err)
	assert.Equal(t, run2.ID, last.ID)
}
