package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewValidatesLevel(t *testing.T) {
	logger, err := New("debug", "json")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = New("loud", "json")
	assert.Error(t, err)
}

func TestContextFieldsFollowTheWork(t *testing.T) {
	logger := NewTestLogger()

	ctx := WithFields(context.Background(), zap.String("patient", "P1"))
	ctx = WithFields(ctx, zap.String("phase", "intake"))
	logger.Info(ctx, "phase starting", zap.Int("units", 3))

	entries := logger.All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "P1", fields["patient"])
	assert.Equal(t, "intake", fields["phase"])
	assert.Equal(t, int64(3), fields["units"])
}

func TestChildContextDoesNotMutateParent(t *testing.T) {
	logger := NewTestLogger()

	parent := WithFields(context.Background(), zap.String("patient", "P1"))
	_ = WithFields(parent, zap.String("phase", "research"))

	logger.Info(parent, "still just the patient")

	entries := logger.All()
	require.Len(t, entries, 1)
	_, hasPhase := entries[0].ContextMap()["phase"]
	assert.False(t, hasPhase)
}

func TestNilAndBareContexts(t *testing.T) {
	assert.Nil(t, ContextFields(nil))
	assert.Nil(t, ContextFields(context.Background()))

	// Logging against a bare context must not panic.
	logger := NewTestLogger()
	logger.Warn(context.Background(), "no fields attached")
	logger.AssertLogged(t, zapcore.WarnLevel, "no fields")
}

func TestWithAttachesConstantFields(t *testing.T) {
	logger := NewTestLogger()
	child := logger.With(zap.String("component", "governor"))

	child.Info(context.Background(), "window reset")

	entries := logger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "governor", entries[0].ContextMap()["component"])
}
