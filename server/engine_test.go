package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/maxpert/msgengine/admin"
	"github.com/maxpert/msgengine/broker"
	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/storage"
)

func TestEngineColdStart(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, "stopped", e.Health().Status)
	assert.Nil(t, e.Manager())

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, StateRunning, e.GetState())
	assert.Equal(t, "healthy", e.Health().Status)

	stats := e.GetStats()
	assert.False(t, stats.WarmStarted)
	assert.Equal(t, 1, stats.Destinations, "only the temporary destination receiver")
	assert.Nil(t, e.Reconstitution())

	receiver, err := e.Manager().Resolve(broker.ReceiverName("ME1"), "", false, false)
	require.NoError(t, err)
	assert.True(t, receiver.IsSystem())
	assert.Equal(t, handler.StateActive, receiver.State())

	err = e.Start(context.Background())
	assert.Error(t, err, "already running")

	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, StateStopped, e.GetState())
	assert.Equal(t, "STOPPED", e.Manager().DeletionWorkerState())
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngineWarmStart(t *testing.T) {
	dir := t.TempDir()
	provider := admin.NewProvider("BUS")
	require.NoError(t, provider.PutDestination(interfaces.Definition{ID: "q1-id", Name: "Q1", Kind: interfaces.KindQueue}, []string{"ME1"}))

	build := func() *Engine {
		e, err := NewEngineBuilder().
			WithEngine("test", "ME1", "BUS").
			WithBBoltStorage(dir).
			WithConfigProvider(provider).
			WithLogger(zaptest.NewLogger(t)).
			Build()
		require.NoError(t, err)
		t.Cleanup(func() { e.Stop(context.Background()) })
		return e
	}

	first := build()
	require.NoError(t, first.Start(context.Background()))
	_, err := first.Manager().CreateLocalization(interfaces.Definition{ID: "q1-id", Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"ME1"})
	require.NoError(t, err)
	_, err = first.Manager().CreateLocalization(interfaces.Definition{Name: "UNCONFIGURED", Kind: interfaces.KindQueue}, nil, []string{"ME1"})
	require.NoError(t, err)
	require.NoError(t, first.Stop(context.Background()))

	second := build()
	require.NoError(t, second.Start(context.Background()))

	stats := second.GetStats()
	assert.True(t, stats.WarmStarted)
	rec := second.Reconstitution()
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Registered)
	assert.Zero(t, rec.Corrupt)

	q1, err := second.Manager().Resolve("Q1", "", false, false)
	require.NoError(t, err)
	assert.Equal(t, handler.StateActive, q1.State())
	assert.True(t, q1.IsLocal())

	// Entities configuration no longer knows about are cleaned up
	_, err = second.Manager().Resolve("UNCONFIGURED", "", false, false)
	assert.True(t, engerrors.IsNotFound(err))
	require.Eventually(t, func() bool {
		return second.GetStats().PendingDeletion == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, second.GetStats().Destinations)
}

func TestEngineWithInjectedStore(t *testing.T) {
	store := storage.NewMemoryEntityStore()
	e, err := NewEngineBuilder().
		WithEngine("test", "ME1", "BUS").
		WithStore(store).
		WithLogger(zaptest.NewLogger(t)).
		Build()
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Stop(context.Background()))

	// The caller owns the store; it is still usable
	counts, err := storage.CountRecords(store)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Destinations)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.GetStats().WarmStarted)
	require.NoError(t, e.Stop(context.Background()))
}

func TestEngineRecordsMetrics(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))

	_, err := e.Manager().CreateLocalization(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"ME1"})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(e.Registry(), "msgengine_destinations_created_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}
