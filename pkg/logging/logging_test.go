package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("debug")
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level)

	_, err = ParseLevel("shouting")
	require.Error(t, err)
}

func TestNewAndGlobal(t *testing.T) {
	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	old := L()
	defer SetGlobal(old)
	SetGlobal(logger)
	require.Same(t, logger, L())
	require.NotNil(t, Named("test"))
}
