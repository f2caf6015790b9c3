package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/maxpert/msgengine/admin"
	"github.com/maxpert/msgengine/config"
	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/storage"
	"github.com/maxpert/msgengine/transaction"
)

type mockAdvertiser struct {
	mock.Mock
}

func (m *mockAdvertiser) Advertise(addr interfaces.DestinationAddress, brokerID string) error {
	return m.Called(addr, brokerID).Error(0)
}

func (m *mockAdvertiser) Withdraw(addr interfaces.DestinationAddress, brokerID string) error {
	return m.Called(addr, brokerID).Error(0)
}

type bridgeHandle string

func (h bridgeHandle) LinkID() string { return string(h) }

type mockBridge struct {
	mock.Mock
}

func (m *mockBridge) Create(def interfaces.Definition, view interfaces.LocalizationView, reg interfaces.RegistrationService) (interfaces.BridgeHandle, error) {
	args := m.Called(def, view, reg)
	bh, _ := args.Get(0).(interfaces.BridgeHandle)
	return bh, args.Error(1)
}

func (m *mockBridge) Update(bh interfaces.BridgeHandle, def interfaces.Definition, view interfaces.LocalizationView) error {
	return m.Called(bh, def, view).Error(0)
}

func (m *mockBridge) Delete(bh interfaces.BridgeHandle, deferDelete bool) error {
	return m.Called(bh, deferDelete).Error(0)
}

func (m *mockBridge) Defer(def interfaces.Definition, view interfaces.LocalizationView, reg interfaces.RegistrationService) (interfaces.BridgeHandle, error) {
	args := m.Called(def, view, reg)
	bh, _ := args.Get(0).(interfaces.BridgeHandle)
	return bh, args.Error(1)
}

type fixture struct {
	t     *testing.T
	cfg   *config.EngineConfig
	store *storage.MemoryEntityStore
	admin *admin.Provider
	deps  Dependencies
	m     *DestinationManager
}

type fixtureOption func(f *fixture)

func withStaleDeleteWait(d time.Duration) fixtureOption {
	return func(f *fixture) { f.cfg.Destinations.StaleDeleteWait = d }
}

func withAdvertiser(a interfaces.RoutingAdvertiser) fixtureOption {
	return func(f *fixture) { f.deps.Advertiser = a }
}

func withBridge(b interfaces.BridgeManager) fixtureOption {
	return func(f *fixture) { f.deps.Bridge = b }
}

func withoutSelector() fixtureOption {
	return func(f *fixture) { f.deps.Selector = nil }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemoryEntityStore(), admin.NewProvider("BUS"), opts...)
}

// newFixtureOn builds a manager for broker B1 on bus BUS over an existing
// store and configuration, as a restart would
func newFixtureOn(t *testing.T, store *storage.MemoryEntityStore, provider *admin.Provider, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.NewConfigBuilder().
		WithEngine("test", "B1", "BUS").
		WithMemoryStorage().
		WithStaleDeleteWait(2 * time.Second).
		WithLockOrderCheck(true).
		BuildUnsafe()

	f := &fixture{
		t:     t,
		cfg:   cfg,
		store: store,
		admin: provider,
		deps: Dependencies{
			Transactions: transaction.NewManager(store, logger),
			Admin:        provider,
			Selector:     provider,
			Logger:       logger,
		},
	}
	for _, opt := range opts {
		opt(f)
	}

	m, err := NewDestinationManager(f.cfg, f.deps)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.m = m
	return f
}

func (f *fixture) createQueue(name string, localizers ...string) *handler.Handler {
	f.t.Helper()
	h, err := f.m.CreateLocalization(interfaces.Definition{Name: name, Kind: interfaces.KindQueue}, nil, localizers)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) awaitRemoved(h *handler.Handler) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return h.State() == handler.StateDeleted
	}, 3*time.Second, 10*time.Millisecond, "%s was not removed", h)
}

func TestNewDestinationManagerRequiresDependencies(t *testing.T) {
	cfg := config.DefaultConfig()
	store := storage.NewMemoryEntityStore()

	_, err := NewDestinationManager(nil, Dependencies{})
	assert.Error(t, err)

	_, err = NewDestinationManager(cfg, Dependencies{Admin: admin.NewProvider("BUS")})
	assert.Error(t, err)

	_, err = NewDestinationManager(cfg, Dependencies{Transactions: transaction.NewManager(store, nil)})
	assert.Error(t, err)

	m, err := NewDestinationManager(cfg, Dependencies{
		Transactions: transaction.NewManager(store, nil),
		Admin:        admin.NewProvider("BUS"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ME1", m.BrokerID())
	assert.Equal(t, "DEFAULT_BUS", m.Bus())
	assert.Equal(t, "NOT_CREATED", m.DeletionWorkerState())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.createQueue("Q1", "B1")
	f.createQueue("Q2", "B1", "B2")
	_, err := f.m.CreateAlias(interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias, TargetName: "Q1"})
	require.NoError(t, err)
	require.NoError(t, f.m.DeleteDestination("Q2", ""))

	stats := f.m.Stats()
	assert.Equal(t, 1, stats.Destinations)
	assert.Equal(t, 1, stats.LocalDestinations)
	assert.Equal(t, 1, stats.Aliases)
	assert.Equal(t, 1, stats.PendingDeletion)
	assert.Equal(t, 0, stats.Corrupt)
}

func TestOpenProducerFollowsAliases(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue("Q1", "B1")
	_, err := f.m.CreateAlias(interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias, TargetName: "Q1"})
	require.NoError(t, err)

	p, h, err := f.m.OpenProducer("A1", "")
	require.NoError(t, err)
	assert.Same(t, q, h)
	assert.Equal(t, 1, q.ProducerCount())
	p.Close()
	assert.Equal(t, 0, q.ProducerCount())
}

func TestOpenConsumerRequiresLocalQueuePoint(t *testing.T) {
	f := newFixture(t)
	f.createQueue("Q1", "B1")
	f.createQueue("Q2", "B2")
	_, err := f.m.CreateAlias(interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias, TargetName: "Q1"})
	require.NoError(t, err)

	c, _, err := f.m.OpenConsumer("Q1", "", false)
	require.NoError(t, err)
	defer c.Close()

	_, _, err = f.m.OpenConsumer("Q2", "", false)
	assert.True(t, engerrors.IsNotPossible(err), "got %v", err)

	_, _, err = f.m.OpenConsumer("A1", "", false)
	assert.True(t, engerrors.IsNotPossible(err), "got %v", err)
}

func TestLockOrderViolationPanics(t *testing.T) {
	f := newFixture(t)
	h := f.createQueue("Q1", "B1")

	scope := f.m.newScope("test")
	assert.NotPanics(t, func() {
		scope.lockManager()
		scope.lockReallocation(h)
		scope.lockEntity(h)
	})
	scope.release()

	scope.lockEntity(h)
	assert.PanicsWithValue(t,
		"lock order violation in test: acquiring manager while holding [entity]",
		func() { scope.lockManager() })
	scope.release()

	scope.lockReallocation(h)
	assert.Panics(t, func() { scope.lockReallocation(h) })
	scope.release()
}

func TestListenersNotifiedOnAvailability(t *testing.T) {
	f := newFixture(t)

	type event struct {
		conn  string
		addr  interfaces.DestinationAddress
		avail interfaces.Availability
	}
	var (
		mu     sync.Mutex
		events []event
	)
	record := interfaces.AvailabilityListenerFunc(func(conn string, addr interfaces.DestinationAddress, a interfaces.Availability) {
		mu.Lock()
		events = append(events, event{conn, addr, a})
		mu.Unlock()
	})

	_, err := f.m.AddListener("[", "", interfaces.AvailabilityBoth, "c0", record)
	assert.Error(t, err)
	_, err = f.m.AddListener("Q*", "", 0, "c0", record)
	assert.Error(t, err)

	_, err = f.m.AddListener("Q*", "", interfaces.AvailabilityBoth, "c1", record)
	require.NoError(t, err)
	sendID, err := f.m.AddListener("", "BUS", interfaces.AvailabilitySend, "c2", record)
	require.NoError(t, err)

	f.createQueue("Q1", "B1")
	f.createQueue("OTHER", "B2")

	mu.Lock()
	require.Len(t, events, 3)
	q1 := interfaces.DestinationAddress{Name: "Q1", Bus: "BUS"}
	assert.Equal(t, event{"c1", q1, interfaces.AvailabilityBoth}, events[0])
	assert.Equal(t, event{"c2", q1, interfaces.AvailabilitySend}, events[1])
	assert.Equal(t, event{"c2", interfaces.DestinationAddress{Name: "OTHER", Bus: "BUS"}, interfaces.AvailabilitySend}, events[2])
	events = nil
	mu.Unlock()

	// Inhibiting send opens nothing; lifting it opens send again
	_, err = f.m.AlterDestination(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue, SendInhibited: true})
	require.NoError(t, err)
	assert.True(t, f.m.RemoveListener(sendID))
	assert.False(t, f.m.RemoveListener(sendID))
	_, err = f.m.AlterDestination(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, event{"c1", q1, interfaces.AvailabilitySend}, events[0])
	mu.Unlock()

	assert.Equal(t, 1, f.m.RemoveConnectionListeners("c1"))
	assert.Equal(t, 0, f.m.RemoveConnectionListeners("c1"))
}

func TestAlterDestination(t *testing.T) {
	f := newFixture(t)
	h := f.createQueue("Q1", "B1")
	f.createQueue("R1", "B2")

	altered, err := f.m.AlterDestination(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue, Description: "orders", DefaultPriority: 7})
	require.NoError(t, err)
	assert.Same(t, h, altered)
	assert.Equal(t, "orders", h.Definition().Description)
	assert.Equal(t, h.ID(), h.Definition().ID)

	rec, err := f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Definition.DefaultPriority)

	_, err = f.m.AlterDestination(interfaces.Definition{Name: "Q1", Kind: interfaces.KindTopicSpace})
	assert.True(t, engerrors.IsNotPossible(err))

	_, err = f.m.AlterDestination(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue, ID: "other"})
	assert.True(t, engerrors.IsNotPossible(err))

	_, err = f.m.AlterDestination(interfaces.Definition{Name: "R1", Kind: interfaces.KindQueue})
	assert.True(t, engerrors.IsNotPossible(err))

	_, err = f.m.AlterDestination(interfaces.Definition{Name: "NOPE", Kind: interfaces.KindQueue})
	assert.True(t, engerrors.IsNotFound(err))
}
