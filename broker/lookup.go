package broker

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
)

// maxAliasDepth bounds alias chain traversal independently of loop checks
const maxAliasDepth = 64

// aliasChain accumulates the addresses visited while resolving an alias
// chain. A fresh chain is used for every top-level lookup.
type aliasChain struct {
	visited []interfaces.DestinationAddress
}

func newAliasChain(start ...interfaces.DestinationAddress) *aliasChain {
	return &aliasChain{visited: append([]interfaces.DestinationAddress(nil), start...)}
}

// visit records addr. Revisiting an address fails with AliasLoop; the
// reported chain lists every address after the first visit of addr, ending
// with addr itself.
func (c *aliasChain) visit(addr interfaces.DestinationAddress, op string) error {
	for i, seen := range c.visited {
		if seen == addr {
			chain := make([]string, 0, len(c.visited)-i)
			for _, a := range c.visited[i+1:] {
				chain = append(chain, a.Name)
			}
			chain = append(chain, addr.Name)
			return engerrors.NewAliasLoop(chain, op)
		}
	}
	if len(c.visited) >= maxAliasDepth {
		return engerrors.NewNotPossibleInCurrentConfig(addr.Name, addr.Bus, op, "alias chain too long")
	}
	c.visited = append(c.visited, addr)
	return nil
}

// aliasTarget returns the address an alias points at. An empty target bus
// means the alias's own bus.
func aliasTarget(h *handler.Handler) interfaces.DestinationAddress {
	target := h.Target()
	if target.Bus == "" {
		target.Bus = h.Bus()
	}
	return target
}

// Resolve looks a destination up by name.
//
// Temporary and system names belonging to another broker are rewritten to
// that broker's receiver destination. Admin-defined names missing from the
// registry are materialized from configuration. A name on another bus falls
// back to the foreign bus. With createRemoteIfMissing, a placeholder is
// synthesized for a remote receiver destination. Quarantined entities are
// never returned.
func (m *DestinationManager) Resolve(name, bus string, includeInvisible, createRemoteIfMissing bool) (*handler.Handler, error) {
	return m.resolve(m.newScope("resolve"), name, bus, includeInvisible, createRemoteIfMissing)
}

func (m *DestinationManager) resolve(scope *lockScope, name, bus string, includeInvisible, createRemoteIfMissing bool) (*handler.Handler, error) {
	bus = m.busOr(bus)
	class := classifyName(name)

	remoteBroker := ""
	if class != nameAdmin {
		if embedded, ok := embeddedBrokerID(name); ok && embedded != m.brokerID {
			remoteBroker = embedded
			name = ReceiverName(embedded)
		}
	}

	h := m.findDestination(name, bus, includeInvisible)
	if h == nil {
		if !scope.holdsManager() {
			scope.lockManager()
			defer scope.release()
		}

		var err error
		h, err = m.resolveMissing(scope, name, bus, class, includeInvisible)
		if err != nil {
			return nil, err
		}
		if h == nil && remoteBroker != "" && createRemoteIfMissing {
			h, err = m.createRemotePlaceholder(name, bus, remoteBroker)
			if err != nil {
				return nil, err
			}
		}
	}

	if h == nil {
		if class == nameTemporary {
			return nil, engerrors.NewTemporaryDestinationNotFound(name, bus, "resolve")
		}
		return nil, engerrors.NewDestinationNotFound(name, bus, "resolve")
	}
	if h.State().Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.Name(), h.Bus(), "resolve")
	}
	return h, nil
}

// findDestination consults the registry only
func (m *DestinationManager) findDestination(name, bus string, includeInvisible bool) *handler.Handler {
	h, ok := m.destinations.FindByName(name, bus)
	if !ok {
		return nil
	}
	if !includeInvisible && (!h.IsVisible() || h.IsToBeDeleted()) {
		return nil
	}
	return h
}

// resolveMissing runs under the manager lock after a registry miss
func (m *DestinationManager) resolveMissing(scope *lockScope, name, bus string, class nameClass, includeInvisible bool) (*handler.Handler, error) {
	// Another caller may have materialized it meanwhile
	if h := m.findDestination(name, bus, includeInvisible); h != nil {
		return h, nil
	}

	if class == nameAdmin {
		h, err := m.materialize(name, bus)
		if err != nil || h != nil {
			return h, err
		}
	}

	if bus != m.bus {
		fb, err := m.getForeignBus(scope, bus)
		if err == nil {
			return fb, nil
		}
		if !engerrors.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}

// materialize builds a handler from its configuration definition. Only
// aliases, foreign destinations and destinations localized elsewhere are
// materialized; local queue points are created by administration.
func (m *DestinationManager) materialize(name, bus string) (*handler.Handler, error) {
	def, err := m.admin.GetDestinationDefinition(bus, name)
	if errors.Is(err, interfaces.ErrDefinitionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, engerrors.NewStorageUnavailable("get_destination_definition", interfaces.DestinationAddress{Name: name, Bus: bus}.String(), err)
	}
	if def.Bus == "" {
		def.Bus = bus
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	var h *handler.Handler
	switch def.Kind {
	case interfaces.KindAlias, interfaces.KindForeignDestination:
		h = handler.New(def.ID, *def, m.brokerID)
	case interfaces.KindQueue, interfaces.KindTopicSpace, interfaces.KindPort, interfaces.KindService:
		brokers, err := m.admin.GetLocalizingBrokerSet(def.Bus, def.ID)
		if err != nil {
			if errors.Is(err, interfaces.ErrDefinitionNotFound) {
				return nil, nil
			}
			return nil, engerrors.NewStorageUnavailable("get_localizing_broker_set", def.ID, err)
		}
		for _, b := range brokers {
			if b == m.brokerID {
				return nil, nil
			}
		}
		if len(brokers) == 0 {
			return nil, nil
		}
		tick, err := m.store.NextTick()
		if err != nil {
			return nil, engerrors.NewStorageUnavailable("next_tick", def.ID, err)
		}
		h = handler.New(def.ID, *def, m.brokerID, handler.WithLocalizers(brokers), handler.WithTick(tick))
	default:
		return nil, nil
	}

	if err := h.Validate(); err != nil {
		return nil, err
	}
	if err := m.register(m.destinations, h); err != nil {
		return nil, err
	}
	if err := m.activate(m.destinations, h); err != nil {
		return nil, err
	}
	m.metrics.RecordCreated(h.Kind())
	m.logger.Debug("Materialized destination from configuration",
		zap.String("destination", h.String()),
		zap.String("id", h.ID()))
	return h, nil
}

// createRemotePlaceholder stands in for the receiver destination of another
// broker. It is never persisted.
func (m *DestinationManager) createRemotePlaceholder(name, bus, remoteBroker string) (*handler.Handler, error) {
	def := interfaces.Definition{
		ID:   uuid.NewString(),
		Name: name,
		Bus:  bus,
		Kind: interfaces.KindQueue,
	}
	h := handler.New(def.ID, def, m.brokerID,
		handler.WithSystem(),
		handler.WithTransient(),
		handler.WithLocalizers([]string{remoteBroker}))
	if err := m.register(m.destinations, h); err != nil {
		return nil, err
	}
	if err := m.activate(m.destinations, h); err != nil {
		return nil, err
	}
	m.logger.Debug("Created remote placeholder",
		zap.String("destination", h.String()),
		zap.String("remote_broker", remoteBroker))
	return h, nil
}

// ResolveTarget resolves an address and follows aliases to the destination
// that finally receives messages
func (m *DestinationManager) ResolveTarget(name, bus string) (*handler.Handler, error) {
	scope := m.newScope("resolve_target")
	h, err := m.resolve(scope, name, bus, false, true)
	if err != nil {
		return nil, err
	}
	if !h.IsAlias() {
		return h, nil
	}
	return m.followAliases(scope, h, newAliasChain(h.Address()))
}

// followAliases walks from alias h to the first non-alias entity
func (m *DestinationManager) followAliases(scope *lockScope, h *handler.Handler, chain *aliasChain) (*handler.Handler, error) {
	for h.IsAlias() {
		target := aliasTarget(h)
		if err := chain.visit(target, "resolve_alias"); err != nil {
			return nil, err
		}
		next, err := m.resolve(scope, target.Name, target.Bus, false, false)
		if err != nil {
			return nil, err
		}
		if next.Kind() == interfaces.KindService {
			return nil, engerrors.NewAliasTargetsService(next.Name(), next.Bus(), "resolve_alias")
		}
		h = next
	}
	return h, nil
}

// validateAliasTarget checks that an alias with definition def would resolve
// without a loop and does not end on a service destination
func (m *DestinationManager) validateAliasTarget(scope *lockScope, def interfaces.Definition) error {
	self := def.Address()
	target := interfaces.DestinationAddress{Name: def.TargetName, Bus: def.TargetBus}
	if target.Bus == "" {
		target.Bus = self.Bus
	}

	chain := newAliasChain(self)
	if err := chain.visit(target, "validate_alias"); err != nil {
		return err
	}
	h, err := m.resolve(scope, target.Name, target.Bus, false, false)
	if err != nil {
		return err
	}
	if h.Kind() == interfaces.KindService {
		return engerrors.NewAliasTargetsService(h.Name(), h.Bus(), "validate_alias")
	}
	_, err = m.followAliases(scope, h, chain)
	return err
}

// aliasesTargeting returns the live aliases pointing at addr
func (m *DestinationManager) aliasesTargeting(addr interfaces.DestinationAddress) []*handler.Handler {
	var out []*handler.Handler
	cursor := m.destinations.Iterate(index.NewFilter().Is(index.FlagAlias).Not(index.FlagToBeDeleted))
	for a, ok := cursor.Next(); ok; a, ok = cursor.Next() {
		if aliasTarget(a) == addr {
			out = append(out, a)
		}
	}
	return out
}
