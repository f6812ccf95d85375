package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(Conflict, base, "cas mismatch")
	assert.Equal(t, Conflict, CodeOf(err))
	assert.True(t, errors.Is(err, err))
	assert.True(t, Is(err, Conflict))
}

func TestCodeOfDefaultsInternal(t *testing.T) {
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
}

func TestRetriable(t *testing.T) {
	assert.True(t, Retriable(New(RetriableTransport, "timeout")))
	assert.True(t, Retriable(New(RateLimited, "429")))
	assert.False(t, Retriable(New(Internal, "panic")))
	assert.False(t, Retriable(New(NotFound, "missing")))
}

func TestWithField(t *testing.T) {
	err := New(InvalidInput, "bad value").WithField("intervalMinutes")
	assert.Contains(t, err.Error(), "intervalMinutes")
}
