package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetLevelFallsBackToInfo(t *testing.T) {
	SetLevel("not-a-level")
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	SetLevel("debug")
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
}

func TestComponentAttachesField(t *testing.T) {
	entry := Component("ingest")
	assert.Equal(t, "ingest", entry.Data["component"])
}
