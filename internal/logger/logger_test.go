package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func TestNew(t *testing.T) {
	l, err := New(Config{LogLevel: "warn", ServiceName: "adgate"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = New(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = New(Config{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, FromContext(context.Background(), base))

	scoped := zaptest.NewLogger(t)
	ctx := WithContext(context.Background(), scoped)
	assert.Same(t, scoped, FromContext(ctx, base))
}
