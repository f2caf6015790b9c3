package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

type createOptions struct {
	temporary bool
	system    bool
	tick      uint64
	// failIfExists makes any existing entity an internal error
	failIfExists bool
}

// CreateLocalization creates a destination, or updates it when one of the
// same kind already exists. localizers lists every broker hosting a queue
// point; loc configures the local one.
func (m *DestinationManager) CreateLocalization(def interfaces.Definition, loc *interfaces.LocalizationDefinition, localizers []string) (*handler.Handler, error) {
	return m.createLocalization(def, loc, localizers, createOptions{})
}

// CreateTemporaryDestination creates a temporary queue or topic space named
// from prefix, the local broker id and the store tick
func (m *DestinationManager) CreateTemporaryDestination(kind interfaces.Kind, prefix string) (*handler.Handler, error) {
	tick, err := m.store.NextTick()
	if err != nil {
		return nil, engerrors.NewStorageUnavailable("next_tick", "temporary destination", err)
	}
	name, err := TemporaryName(kind, prefix, m.brokerID, tick)
	if err != nil {
		return nil, err
	}
	def := interfaces.Definition{
		ID:   uuid.NewString(),
		Name: name,
		Bus:  m.bus,
		Kind: kind,
	}
	return m.createLocalization(def, &interfaces.LocalizationDefinition{}, []string{m.brokerID},
		createOptions{temporary: true, tick: tick, failIfExists: true})
}

// CreateSystemDestination creates, or returns, the local system queue
// _S<prefix>_<broker>
func (m *DestinationManager) CreateSystemDestination(prefix string) (*handler.Handler, error) {
	name := SystemName(prefix, m.brokerID)
	if h := m.findDestination(name, m.bus, false); h != nil && h.IsSystem() {
		return h, nil
	}
	def := interfaces.Definition{
		ID:   uuid.NewString(),
		Name: name,
		Bus:  m.bus,
		Kind: interfaces.KindQueue,
	}
	return m.createLocalization(def, &interfaces.LocalizationDefinition{}, []string{m.brokerID},
		createOptions{system: true})
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// validateLocalization checks the localizing set against the kind
func (m *DestinationManager) validateLocalization(def interfaces.Definition, loc *interfaces.LocalizationDefinition, localizers []string) error {
	const op = "create_localization"
	switch def.Kind {
	case interfaces.KindQueue, interfaces.KindTopicSpace, interfaces.KindPort, interfaces.KindService:
	default:
		return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op,
			fmt.Sprintf("%s is not a localizable kind", def.Kind))
	}

	if def.Kind == interfaces.KindService {
		if len(localizers) != 0 {
			err := engerrors.NewInternalError(op,
				fmt.Sprintf("service destination %s has localizers %v", def.Name, localizers), nil)
			m.logger.Error("Inconsistent localizing set", zap.String("destination", def.Name), zap.Error(err))
			return err
		}
		return nil
	}
	if len(localizers) == 0 {
		err := engerrors.NewInternalError(op,
			fmt.Sprintf("%s %s has an empty localizing set", def.Kind, def.Name), nil)
		m.logger.Error("Inconsistent localizing set", zap.String("destination", def.Name), zap.Error(err))
		return err
	}
	if loc != nil && !contains(localizers, m.brokerID) {
		err := engerrors.NewInternalError(op,
			fmt.Sprintf("localization supplied for %s but broker %s is not in %v", def.Name, m.brokerID, localizers), nil)
		m.logger.Error("Inconsistent localizing set", zap.String("destination", def.Name), zap.Error(err))
		return err
	}
	return nil
}

func (m *DestinationManager) createLocalization(def interfaces.Definition, loc *interfaces.LocalizationDefinition,
	localizers []string, opts createOptions) (*handler.Handler, error) {
	def = def.Clone()
	def.Bus = m.busOr(def.Bus)
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := m.validateLocalization(def, loc, localizers); err != nil {
		return nil, err
	}
	if loc == nil && contains(localizers, m.brokerID) {
		loc = &interfaces.LocalizationDefinition{}
	}

	scope := m.newScope("create_localization")
	scope.lockManager()

	existing, err := m.awaitStaleDelete(scope, def)
	if err != nil {
		scope.release()
		return nil, err
	}

	if existing != nil {
		scope.release()
		if opts.failIfExists {
			err := engerrors.NewInternalError("create_localization",
				fmt.Sprintf("generated name %s collides with %s", def.Name, existing), nil)
			m.logger.Error("Temporary name collision", zap.String("name", def.Name), zap.Error(err))
			return nil, err
		}
		if existing.Kind() != def.Kind {
			return nil, engerrors.NewDestinationAlreadyExists(def.Name, def.Bus, "create_localization")
		}
		return m.updateLocalization(existing, def, loc, localizers)
	}

	if _, taken := m.destinations.FindByID(def.ID); taken {
		scope.release()
		return nil, engerrors.NewDestinationAlreadyExists(def.Name, def.Bus, "create_localization")
	}

	tick := opts.tick
	if tick == 0 {
		if tick, err = m.store.NextTick(); err != nil {
			scope.release()
			return nil, engerrors.NewStorageUnavailable("next_tick", def.Name, err)
		}
	}

	hopts := []handler.Option{
		handler.WithLocalizers(localizers),
		handler.WithLocalization(loc),
		handler.WithTick(tick),
	}
	if opts.temporary {
		hopts = append(hopts, handler.WithTemporary())
	}
	if opts.system {
		hopts = append(hopts, handler.WithSystem())
	}
	h := handler.New(def.ID, def, m.brokerID, hopts...)
	if err := h.Validate(); err != nil {
		scope.release()
		return nil, err
	}

	if err := m.register(m.destinations, h); err != nil {
		scope.release()
		return nil, err
	}
	if err := m.activate(m.destinations, h); err != nil {
		scope.release()
		return nil, err
	}
	m.advertise(h)
	scope.release()

	m.metrics.RecordCreated(h.Kind())
	m.logger.Info("Destination created",
		zap.String("destination", h.String()),
		zap.String("id", h.ID()),
		zap.Strings("localizers", h.Localizers()),
		zap.Bool("temporary", opts.temporary),
		zap.Bool("system", opts.system))

	m.notifyListeners(h, availabilityOf(h))
	return h, nil
}

// awaitStaleDelete returns the live entity holding def's name, if any. An
// entity of that name already marked for deletion is given a bounded time
// for the deletion worker to remove it; if it is still there afterwards it
// gives up its name. Runs with the manager lock held and returns with it
// held, though it may release it while waiting.
func (m *DestinationManager) awaitStaleDelete(scope *lockScope, def interfaces.Definition) (*handler.Handler, error) {
	existing, ok := m.destinations.FindByName(def.Name, def.Bus)
	if !ok {
		return nil, nil
	}
	if !existing.IsToBeDeleted() {
		return existing, nil
	}

	staleID := existing.ID()
	scope.release()
	removed := m.waitForRemoval(staleID, m.cfg.StaleDeleteWait)
	scope.lockManager()

	if removed {
		m.logger.Debug("Stale destination removed before re-create",
			zap.String("name", def.Name),
			zap.String("stale_id", staleID))
	} else if _, still := m.destinations.FindByID(staleID); still {
		if staleID == def.ID {
			return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "create_localization",
				"previous incarnation with the same id is still being deleted")
		}
		m.logger.Warn("Stale destination still pending deletion, releasing its name",
			zap.String("name", def.Name),
			zap.String("stale_id", staleID),
			zap.Duration("waited", m.cfg.StaleDeleteWait))
		m.destinations.ReleaseName(staleID)
	}

	// Somebody may have created it while the lock was released
	existing, ok = m.destinations.FindByName(def.Name, def.Bus)
	if !ok || existing.IsToBeDeleted() {
		return nil, nil
	}
	return existing, nil
}

// waitForRemoval blocks until the entity with id leaves the registry, the
// deletion worker finishing a sweep each time it re-checks, or until wait
// elapses
func (m *DestinationManager) waitForRemoval(id string, wait time.Duration) bool {
	m.deletion.trigger()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		ended := m.deletion.endSignal()
		if _, present := m.destinations.FindByID(id); !present {
			return true
		}
		select {
		case <-ended:
		case <-timer.C:
			_, present := m.destinations.FindByID(id)
			return !present
		}
	}
}

// updateLocalization merges a repeated create into the existing entity
// under its entity lock and reconfirms it
func (m *DestinationManager) updateLocalization(h *handler.Handler, def interfaces.Definition,
	loc *interfaces.LocalizationDefinition, localizers []string) (*handler.Handler, error) {
	scope := m.newScope("update_localization")
	scope.lockEntity(h)

	state := h.State()
	if state.Quarantined() {
		scope.release()
		return nil, engerrors.NewDestinationCorrupt(h.Name(), h.Bus(), "create_localization")
	}
	if h.IsToBeDeleted() {
		scope.release()
		return nil, engerrors.NewDestinationNotFound(h.Name(), h.Bus(), "create_localization")
	}

	oldDef := h.Definition()
	oldLoc := h.Localization()
	oldLocalizers := h.Localizers()
	wasAvailable := availabilityOf(h)

	def.ID = h.ID()
	if err := h.UpdateDefinition(def); err != nil {
		scope.release()
		return nil, err
	}
	h.UpdateLocalizations(localizers, loc)
	if err := m.persist(h); err != nil {
		h.UpdateDefinition(oldDef)
		h.UpdateLocalizations(oldLocalizers, oldLoc)
		m.destinations.Refresh(h)
		scope.release()
		return nil, err
	}
	if err := m.activate(m.destinations, h); err != nil {
		scope.release()
		return nil, err
	}
	m.advertise(h)
	scope.release()

	m.logger.Info("Destination updated",
		zap.String("destination", h.String()),
		zap.String("id", h.ID()),
		zap.Stringer("previous_state", state),
		zap.Strings("localizers", h.Localizers()))

	m.notifyListeners(h, availabilityOf(h)&^wasAvailable)
	return h, nil
}

// CreateAlias registers an alias after checking that its chain resolves
// without a loop
func (m *DestinationManager) CreateAlias(def interfaces.Definition) (*handler.Handler, error) {
	def = def.Clone()
	def.Bus = m.busOr(def.Bus)
	if def.Kind != interfaces.KindAlias {
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "create_alias",
			fmt.Sprintf("%s is not an alias", def.Kind))
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	h := handler.New(def.ID, def, m.brokerID)
	if err := h.Validate(); err != nil {
		return nil, err
	}

	scope := m.newScope("create_alias")
	scope.lockManager()

	existing, err := m.awaitStaleDelete(scope, def)
	if err != nil {
		scope.release()
		return nil, err
	}
	if existing != nil {
		scope.release()
		return nil, engerrors.NewDestinationAlreadyExists(def.Name, def.Bus, "create_alias")
	}
	if err := m.validateAliasTarget(scope, def); err != nil {
		scope.release()
		return nil, err
	}
	if err := m.register(m.destinations, h); err != nil {
		scope.release()
		return nil, err
	}
	if err := m.activate(m.destinations, h); err != nil {
		scope.release()
		return nil, err
	}
	scope.release()

	m.metrics.RecordCreated(interfaces.KindAlias)
	m.logger.Info("Alias created",
		zap.String("alias", h.String()),
		zap.Stringer("target", aliasTarget(h)))
	m.notifyListeners(h, availabilityOf(h))
	return h, nil
}

// AlterAlias re-targets or redefines an existing alias
func (m *DestinationManager) AlterAlias(def interfaces.Definition) (*handler.Handler, error) {
	def = def.Clone()
	def.Bus = m.busOr(def.Bus)

	scope := m.newScope("alter_alias")
	scope.lockManager()
	defer scope.release()

	h := m.findDestination(def.Name, def.Bus, false)
	if h == nil {
		return nil, engerrors.NewDestinationNotFound(def.Name, def.Bus, "alter_alias")
	}
	if !h.IsAlias() || def.Kind != interfaces.KindAlias {
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "alter_alias",
			fmt.Sprintf("%s is a %s", def.Name, h.Kind()))
	}
	if err := m.validateAliasTarget(scope, def); err != nil {
		return nil, err
	}

	scope.lockEntity(h)
	def.ID = h.ID()
	if err := h.UpdateDefinition(def); err != nil {
		return nil, err
	}
	m.destinations.Refresh(h)

	m.logger.Info("Alias altered",
		zap.String("alias", h.String()),
		zap.Stringer("target", aliasTarget(h)))
	return h, nil
}

// DeleteAlias removes an alias. Aliases targeting it are removed too.
func (m *DestinationManager) DeleteAlias(name, bus string) error {
	bus = m.busOr(bus)

	scope := m.newScope("delete_alias")
	scope.lockManager()

	h := m.findDestination(name, bus, false)
	if h == nil {
		scope.release()
		return engerrors.NewDestinationNotFound(name, bus, "delete_alias")
	}
	if !h.IsAlias() {
		scope.release()
		return engerrors.NewNotPossibleInCurrentConfig(name, bus, "delete_alias",
			fmt.Sprintf("%s is a %s", name, h.Kind()))
	}

	scope.lockEntity(h)
	if err := m.retire(h); err != nil {
		scope.release()
		return err
	}
	cascaded := m.cascadeAliases(h.Address())
	scope.release()

	m.logger.Info("Alias deleted",
		zap.String("alias", h.String()),
		zap.Int("cascaded", cascaded))
	m.deletion.trigger()
	return nil
}

// retire marks a non-persisted entity for removal by the deletion worker
func (m *DestinationManager) retire(h *handler.Handler) error {
	if err := h.MarkToBeDeleted(); err != nil {
		return engerrors.NewDestinationNotFound(h.Name(), h.Bus(), "retire")
	}
	if err := h.SetState(handler.StateDeletePending); err != nil {
		return err
	}
	h.SetVisible(false)
	m.indexFor(h.Kind()).Refresh(h)
	return nil
}

// cascadeAliases retires every alias that resolves through addr, directly
// or through other aliases, and returns how many were retired
func (m *DestinationManager) cascadeAliases(addr interfaces.DestinationAddress) int {
	retired := 0
	pending := []interfaces.DestinationAddress{addr}
	for len(pending) > 0 {
		target := pending[0]
		pending = pending[1:]
		for _, a := range m.aliasesTargeting(target) {
			if err := m.retire(a); err != nil {
				continue
			}
			retired++
			pending = append(pending, a.Address())
			m.logger.Debug("Alias retired with its target",
				zap.String("alias", a.String()),
				zap.Stringer("target", target))
		}
	}
	return retired
}
