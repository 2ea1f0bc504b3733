package log_test

import (
	"context"
	"testing"

	"github.com/jrife/plover/utils/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithFields(t *testing.T) {
	ctx := context.Background()

	require.Empty(t, log.Fields(ctx))

	parent := log.WithFields(ctx, zap.String("service", "foo"))
	child := log.WithFields(parent, zap.Uint64("session", 3))
	sibling := log.WithFields(parent, zap.Uint64("session", 4))

	require.Len(t, log.Fields(parent), 1)
	require.Equal(t, []zap.Field{zap.String("service", "foo"), zap.Uint64("session", 3)}, log.Fields(child))
	require.Equal(t, []zap.Field{zap.String("service", "foo"), zap.Uint64("session", 4)}, log.Fields(sibling))
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	ctx := log.WithFields(context.Background(), zap.Uint32("partition", 2))

	log.WithContext(ctx, logger).Info("hello")
	log.WithContext(context.Background(), logger).Info("bare")

	entries := logs.All()

	require.Len(t, entries, 2)
	require.Equal(t, map[string]interface{}{"partition": uint32(2)}, entries[0].ContextMap())
	require.Empty(t, entries[1].ContextMap())
}

func TestDefault(t *testing.T) {
	require.NotNil(t, log.Default(nil))

	logger := zap.NewExample()

	require.Same(t, logger, log.Default(logger))
}
