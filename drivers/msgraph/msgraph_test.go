package msgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
)

func TestDriveRefRequiresDriveID(t *testing.T) {
	_, err := driveRef(drivers.EndpointConfig{})
	assert.Error(t, err)

	driveID, err := driveRef(drivers.EndpointConfig{Config: map[string]any{"driveId": "b!xyz"}})
	assert.NoError(t, err)
	assert.Equal(t, "b!xyz", driveID)
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := newClient(drivers.EndpointConfig{Config: map[string]any{"tenantId": "t"}})
	assert.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

func TestMapGraphErrorClassifiesByMessage(t *testing.T) {
	assert.Equal(t, apperr.PermissionDenied, apperr.CodeOf(mapGraphError(errors.New("Forbidden: access denied"))))
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(mapGraphError(errors.New("itemNotFound"))))
	assert.Equal(t, apperr.RateLimited, apperr.CodeOf(mapGraphError(errors.New("activityLimitReached"))))
	assert.Equal(t, apperr.RetriableTransport, apperr.CodeOf(mapGraphError(errors.New("connection reset"))))
}

func TestContainsAny(t *testing.T) {
	assert.True(t, containsAny("some Forbidden text", "Forbidden"))
	assert.False(t, containsAny("all good", "Forbidden", "404"))
}
