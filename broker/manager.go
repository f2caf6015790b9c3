// Package broker implements the destination manager: the authority over the
// destination, link and foreign bus registries of one messaging engine.
//
// Lock ordering. Three tiers are acquired strictly in this order and released
// in reverse:
//
//  1. the manager lock, serializing creation and deletion
//  2. an entity's reallocation lock, exclusive for non pub/sub kinds
//  3. an entity's own lock
//
// The manager lock is never taken while holding a producer or consumer lock
// from the dispatch path. Deletion therefore runs in two phases and closes
// sessions with no manager lock held. Every acquisition goes through a
// lockScope, which verifies the order when lock order checking is enabled.
package broker

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/maxpert/msgengine/config"
	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/metrics"
	"github.com/maxpert/msgengine/transaction"
)

// Dependencies are the collaborators of a DestinationManager. Transactions
// and Admin are required.
type Dependencies struct {
	Transactions *transaction.Manager
	Admin        interfaces.ConfigProvider
	Selector     interfaces.TopologySelector
	Bridge       interfaces.BridgeManager
	Advertiser   interfaces.RoutingAdvertiser
	Metrics      *metrics.Collector
	Logger       *zap.Logger
}

// DestinationManager owns the registries and drives the lifecycle of every
// entity in them
type DestinationManager struct {
	brokerID string
	bus      string
	cfg      config.DestinationsConfig

	txm        *transaction.Manager
	store      interfaces.EntityStore
	admin      interfaces.ConfigProvider
	selector   interfaces.TopologySelector
	bridge     interfaces.BridgeManager
	advertiser interfaces.RoutingAdvertiser
	metrics    *metrics.Collector
	logger     *zap.Logger

	// mutex is the tier 1 manager lock
	mutex sync.Mutex

	destinations *index.Index
	links        *index.Index
	foreignBuses *index.Index

	listeners *listenerRegistry
	deletion  *deletionWorker
}

// NewDestinationManager creates a manager for the engine described by cfg
func NewDestinationManager(cfg *config.EngineConfig, deps Dependencies) (*DestinationManager, error) {
	if cfg == nil {
		return nil, engerrors.NewConfigError("engine configuration is required", "engine", "", nil)
	}
	if deps.Transactions == nil {
		return nil, engerrors.NewConfigError("a transaction manager is required", "storage", "", nil)
	}
	if deps.Admin == nil {
		return nil, engerrors.NewConfigError("a configuration provider is required", "admin", "", nil)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &DestinationManager{
		brokerID:     cfg.Engine.BrokerID,
		bus:          cfg.Engine.Bus,
		cfg:          cfg.Destinations,
		txm:          deps.Transactions,
		store:        deps.Transactions.Store(),
		admin:        deps.Admin,
		selector:     deps.Selector,
		bridge:       deps.Bridge,
		advertiser:   deps.Advertiser,
		metrics:      deps.Metrics,
		logger:       logger.With(zap.String("broker_id", cfg.Engine.BrokerID)),
		destinations: index.New("destinations"),
		links:        index.New("links"),
		foreignBuses: index.New("foreign_buses"),
		listeners:    newListenerRegistry(),
	}
	m.deletion = newDeletionWorker(m, cfg.Destinations.DeletionBatchSize, cfg.Destinations.DeletionSweepInterval)
	return m, nil
}

// BrokerID returns the id of the local broker
func (m *DestinationManager) BrokerID() string { return m.brokerID }

// Bus returns the local bus name
func (m *DestinationManager) Bus() string { return m.bus }

func (m *DestinationManager) busOr(bus string) string {
	if bus == "" {
		return m.bus
	}
	return bus
}

// indexFor returns the registry holding entities of kind
func (m *DestinationManager) indexFor(kind interfaces.Kind) *index.Index {
	switch {
	case kind.IsLinkKind():
		return m.links
	case kind == interfaces.KindForeignBus:
		return m.foreignBuses
	}
	return m.destinations
}

func (m *DestinationManager) indices() []*index.Index {
	return []*index.Index{m.destinations, m.links, m.foreignBuses}
}

// poolSize bounds the reconstitution and reconciliation workers
func (m *DestinationManager) poolSize() int {
	if m.store.FileBased() {
		return 1
	}
	if m.cfg.ReconstitutionThreads > 0 {
		return m.cfg.ReconstitutionThreads
	}
	return runtime.NumCPU()
}

// register inserts h into idx and, for persisted kinds, adds its record in
// the same transaction. A rollback takes h back out of the index.
func (m *DestinationManager) register(idx *index.Index, h *handler.Handler) error {
	if !h.IsPersistent() {
		return idx.Put(h)
	}

	tx, err := m.txm.Begin()
	if err != nil {
		return err
	}
	if err := idx.Put(h); err != nil {
		tx.Rollback()
		return err
	}
	tx.OnRollback(func() { idx.Remove(h.ID()) })

	if err := tx.Add(h.Record()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Warn("Rollback after failed add also failed",
				zap.String("entity", h.String()),
				zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// persist writes the current record of h with an auto-commit transaction
func (m *DestinationManager) persist(h *handler.Handler) error {
	if !h.IsPersistent() {
		return nil
	}
	rec := h.Record()
	return m.txm.AutoCommit(func(tx *transaction.Transaction) error {
		return tx.Update(rec)
	})
}

// activate moves a freshly registered or reconfirmed handler to ACTIVE
func (m *DestinationManager) activate(idx *index.Index, h *handler.Handler) error {
	if err := h.SetState(handler.StateActive); err != nil {
		return err
	}
	idx.Refresh(h)
	return nil
}

func (m *DestinationManager) advertise(h *handler.Handler) {
	if m.advertiser == nil || !h.HasLocalPoint() {
		return
	}
	if err := m.advertiser.Advertise(h.Address(), m.brokerID); err != nil {
		m.logger.Warn("Failed to advertise queue point",
			zap.String("destination", h.String()),
			zap.Error(err))
	}
}

func (m *DestinationManager) withdraw(h *handler.Handler) {
	if m.advertiser == nil {
		return
	}
	if err := m.advertiser.Withdraw(h.Address(), m.brokerID); err != nil {
		m.logger.Warn("Failed to withdraw queue point",
			zap.String("destination", h.String()),
			zap.Error(err))
	}
}

// markIndoubt hides h until the next reconciliation pass
func (m *DestinationManager) markIndoubt(idx *index.Index, h *handler.Handler, reason error) {
	if err := h.SetState(handler.StateIndoubt); err != nil {
		m.logger.Error("Cannot move entity to INDOUBT",
			zap.String("entity", h.String()),
			zap.Stringer("state", h.State()),
			zap.Error(err))
		return
	}
	h.SetVisible(false)
	idx.Refresh(h)
	m.metrics.RecordReconciliation(metrics.OutcomeIndoubt)
	m.logger.Warn("Entity marked in doubt",
		zap.String("entity", h.String()),
		zap.String("id", h.ID()),
		zap.Error(reason))
}

// markCorrupt quarantines h
func (m *DestinationManager) markCorrupt(idx *index.Index, h *handler.Handler, reason error) {
	if err := h.SetState(handler.StateCorrupt); err != nil {
		m.logger.Error("Cannot move entity to CORRUPT",
			zap.String("entity", h.String()),
			zap.Stringer("state", h.State()),
			zap.Error(err))
		return
	}
	idx.Refresh(h)
	m.metrics.RecordReconciliation(metrics.OutcomeCorrupt)
	m.logger.Error("Entity marked corrupt",
		zap.String("entity", h.String()),
		zap.String("id", h.ID()),
		zap.Error(reason))
}

// markForCleanup persists the to-be-deleted flag of h and hands it to the
// deletion worker. It returns false when h was already marked.
func (m *DestinationManager) markForCleanup(idx *index.Index, h *handler.Handler) (bool, error) {
	scope := m.newScope("mark_for_cleanup")
	scope.lockReallocation(h)
	scope.lockEntity(h)
	defer scope.release()

	if err := h.MarkToBeDeleted(); err != nil {
		return false, nil
	}
	if err := m.persist(h); err != nil {
		h.ResetToBeDeleted()
		idx.Refresh(h)
		return false, err
	}
	if err := h.SetState(handler.StateDeletePending); err != nil {
		return false, err
	}
	h.SetVisible(false)
	if h.HasLocalPoint() {
		m.withdraw(h)
	}
	h.ClearLocalizations()
	idx.Refresh(h)
	return true, nil
}

// ListDestinations returns a snapshot of the destinations matching f
func (m *DestinationManager) ListDestinations(f index.Filter) []*handler.Handler {
	return m.destinations.Iterate(f).All()
}

// ListLinks returns a snapshot of the links matching f
func (m *DestinationManager) ListLinks(f index.Filter) []*handler.Handler {
	return m.links.Iterate(f).All()
}

// Stats summarizes the registries
func (m *DestinationManager) Stats() interfaces.EngineStats {
	pending := 0
	corrupt := 0
	for _, idx := range m.indices() {
		pending += idx.Count(index.PendingCleanup)
		corrupt += idx.Count(index.NewFilter().InState(handler.StateCorrupt))
	}
	return interfaces.EngineStats{
		Destinations:       m.destinations.Count(index.Live.Not(index.FlagAlias, index.FlagForeign)),
		LocalDestinations:  m.destinations.Count(index.Live.Is(index.FlagLocal)),
		RemoteDestinations: m.destinations.Count(index.Live.Is(index.FlagRemote).Not(index.FlagLocal)),
		Aliases:            m.destinations.Count(index.Live.Is(index.FlagAlias)),
		Links:              m.links.Count(index.Live.Is(index.FlagLink)),
		MQLinks:            m.links.Count(index.Live.Is(index.FlagMQLink)),
		ForeignBuses:       m.foreignBuses.Count(index.Live),
		PendingDeletion:    pending,
		Corrupt:            corrupt,
	}
}

// OpenProducer attaches a producer to the destination an address resolves
// to, following aliases
func (m *DestinationManager) OpenProducer(name, bus string) (*handler.Producer, *handler.Handler, error) {
	h, err := m.ResolveTarget(name, bus)
	if err != nil {
		return nil, nil, err
	}
	h.LockReallocation(false)
	defer h.UnlockReallocation(false)
	p, err := h.AttachProducer()
	if err != nil {
		return nil, nil, err
	}
	return p, h, nil
}

// OpenConsumer attaches a consumer to a destination. Consumers never attach
// through aliases or to destinations without a local queue point.
func (m *DestinationManager) OpenConsumer(name, bus string, nonDurable bool) (*handler.Consumer, *handler.Handler, error) {
	h, err := m.Resolve(name, bus, false, false)
	if err != nil {
		return nil, nil, err
	}
	if h.IsAlias() || h.IsForeign() || !h.IsLocal() {
		return nil, nil, engerrors.NewNotPossibleInCurrentConfig(h.Name(), h.Bus(), "open_consumer",
			fmt.Sprintf("%s has no local queue point", h.Kind()))
	}
	h.LockReallocation(false)
	defer h.UnlockReallocation(false)
	c, err := h.AttachConsumer(nonDurable)
	if err != nil {
		return nil, nil, err
	}
	return c, h, nil
}

// Close stops the deletion worker
func (m *DestinationManager) Close() {
	m.deletion.stop()
}
