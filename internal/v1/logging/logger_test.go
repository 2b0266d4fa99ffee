package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_Idempotent(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NoError(t, Initialize(false))
	assert.NotNil(t, GetLogger())
}

func TestGetLogger_BeforeInitialize(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestLogWithContextFields(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-1")
	ctx = context.WithValue(ctx, CorrelationIDKey, "req-1")
	ctx = context.WithValue(ctx, CallIDKey, "call-1")

	assert.NotPanics(t, func() {
		Debug(ctx, "debug message")
		Info(ctx, "info message")
		Warn(ctx, "warn message")
		Error(ctx, "error message")
	})

	assert.NotPanics(t, func() {
		Info(nil, "nil context is tolerated")
	})
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "***@hopp.team", RedactEmail("ada@hopp.team"))
	assert.Equal(t, "***", RedactEmail("no-at-sign"))
	assert.Equal(t, "", RedactEmail(""))
	assert.Equal(t, "***", RedactEmail("@leading-at"))
}
