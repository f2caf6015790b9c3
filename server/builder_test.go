package server

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/msgengine/admin"
	"github.com/maxpert/msgengine/config"
	engerrors "github.com/maxpert/msgengine/errors"
)

func TestNewEngineBuilder(t *testing.T) {
	builder := NewEngineBuilder()
	require.NotNil(t, builder.config)
	assert.Equal(t, "ME1", builder.config.Engine.BrokerID)
	assert.Equal(t, config.BackendMemory, builder.config.Storage.Backend)
}

func TestEngineBuilderFluentAPI(t *testing.T) {
	provider := admin.NewProvider("BUS")
	dir := t.TempDir()

	builder := NewEngineBuilder().
		WithEngine("orders", "ME7", "BUS").
		WithBBoltStorage(dir).
		WithZapLogger("debug").
		WithConfigProvider(provider).
		WithMetrics(9500)

	assert.Equal(t, "orders", builder.config.Engine.Name)
	assert.Equal(t, "ME7", builder.config.Engine.BrokerID)
	assert.Equal(t, config.BackendBolt, builder.config.Storage.Backend)
	assert.Equal(t, dir, builder.config.Storage.Path)
	assert.True(t, builder.config.Metrics.Enabled)
	assert.Equal(t, 9500, builder.config.Metrics.Port)
	assert.NotNil(t, builder.logger)

	e, err := builder.Build()
	require.NoError(t, err)
	assert.Same(t, provider, e.provider)
	assert.NotNil(t, e.Registry())
	assert.Equal(t, StateStopped, e.GetState())
}

func TestEngineBuilderValidation(t *testing.T) {
	_, err := NewEngineBuilder().WithEngine("x", "", "BUS").Build()
	require.Error(t, err)
	var cfgErr *engerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewEngineBuilder().WithBadgerStorage("").Build()
	assert.Error(t, err, "persistent backends need a path")

	// BuildUnsafe skips validation
	e := NewEngineBuilder().WithEngine("x", "", "BUS").BuildUnsafe()
	assert.NotNil(t, e)
}

func TestEngineBuildersDoNotShareRegistries(t *testing.T) {
	a, err := NewEngineBuilder().Build()
	require.NoError(t, err)
	b, err := NewEngineBuilder().Build()
	require.NoError(t, err)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestParseZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseZapLevel("debug").Level())
	assert.Equal(t, zapcore.WarnLevel, parseZapLevel("WARN").Level())
	assert.Equal(t, zapcore.ErrorLevel, parseZapLevel("error").Level())
	assert.Equal(t, zapcore.InfoLevel, parseZapLevel("info").Level())
	assert.Equal(t, zapcore.InfoLevel, parseZapLevel("bogus").Level())
}

func TestCreateZapLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, err := createZapLogger("warn", path)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	logger.Sync()
}
