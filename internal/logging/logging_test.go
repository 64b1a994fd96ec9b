package logging_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/safe-chain/safe-chain/internal/logging"
)

func TestLevelFor(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.LevelFor("verbose"))
	assert.Equal(t, slog.LevelInfo, logging.LevelFor("normal"))
	assert.True(t, logging.LevelFor("silent") > slog.LevelError)
	assert.Equal(t, slog.LevelInfo, logging.LevelFor("anything-else"))
}

func TestSetup_BufferedModeDoesNotPanicAndCleansUp(t *testing.T) {
	result := logging.Setup(logging.Config{Logging: "normal", Buffered: true})
	result.Logger.Info("hello")
	assert.NotPanics(t, result.Cleanup)
}
