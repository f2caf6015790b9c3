package broker

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

// selectRoute asks the topology which brokers carry a link. Brokers the
// topology cannot name are replaced by UnknownBrokerID.
func (m *DestinationManager) selectRoute(linkID string) (interfaces.Route, error) {
	route := interfaces.Route{}
	if m.selector != nil {
		var err error
		if route, err = m.selector.Select(linkID); err != nil {
			return interfaces.Route{}, err
		}
	}
	if route.InboundBrokerID == "" {
		route.InboundBrokerID = UnknownBrokerID
	}
	if route.OutboundBrokerID == "" {
		route.OutboundBrokerID = UnknownBrokerID
	}
	return route, nil
}

func (m *DestinationManager) localizationView(localizers []string) interfaces.LocalizationView {
	return interfaces.LocalizationView{
		LocalBrokerID: m.brokerID,
		Bus:           m.bus,
		Localizers:    append([]string(nil), localizers...),
	}
}

// CreateLink creates an inter-bus link hosted on localizers. Repeating the
// create for the same link updates it.
func (m *DestinationManager) CreateLink(def interfaces.Definition, localizers []string) (*handler.Handler, error) {
	return m.createLink(def, localizers, interfaces.KindLink)
}

// CreateMQLink creates a protocol-bridge link and hands it to the bridge
func (m *DestinationManager) CreateMQLink(def interfaces.Definition, localizers []string) (*handler.Handler, error) {
	if m.bridge == nil {
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "create_mqlink", "no protocol bridge configured")
	}
	return m.createLink(def, localizers, interfaces.KindMQLink)
}

func (m *DestinationManager) createLink(def interfaces.Definition, localizers []string, kind interfaces.Kind) (*handler.Handler, error) {
	op := "create_link"
	if kind == interfaces.KindMQLink {
		op = "create_mqlink"
	}
	def = def.Clone()
	def.Bus = m.busOr(def.Bus)
	if def.Kind != kind {
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op,
			fmt.Sprintf("expected %s, got %s", kind, def.Kind))
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	scope := m.newScope(op)
	scope.lockManager()
	defer scope.release()

	if existing, ok := m.links.FindByName(def.Name, def.Bus); ok && !existing.IsToBeDeleted() {
		if existing.ID() != def.ID || existing.Kind() != kind {
			return nil, engerrors.NewLinkAlreadyExists(def.Name, op)
		}
		return m.updateLink(scope, existing, def, localizers)
	}
	if _, taken := m.links.FindByID(def.ID); taken {
		return nil, engerrors.NewLinkAlreadyExists(def.Name, op)
	}

	tick, err := m.store.NextTick()
	if err != nil {
		return nil, engerrors.NewStorageUnavailable("next_tick", def.Name, err)
	}
	h := handler.New(def.ID, def, m.brokerID, handler.WithLocalizers(localizers), handler.WithTick(tick))
	if err := h.Validate(); err != nil {
		return nil, err
	}

	if kind == interfaces.KindLink {
		route, err := m.selectRoute(def.ID)
		if err != nil {
			return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op, "route selection failed").WithCause(err)
		}
		h.SetRoute(route)
	} else {
		bh, err := m.bridge.Create(def, m.localizationView(localizers), m)
		if err != nil {
			return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op, "protocol bridge refused link").WithCause(err)
		}
		h.SetBridge(bh)
	}

	if err := m.register(m.links, h); err != nil {
		if bh := h.Bridge(); bh != nil {
			if delErr := m.bridge.Delete(bh, false); delErr != nil {
				m.logger.Warn("Failed to undo bridge registration",
					zap.String("link", def.Name),
					zap.Error(delErr))
			}
		}
		return nil, err
	}
	if err := m.activate(m.links, h); err != nil {
		return nil, err
	}

	m.metrics.RecordCreated(kind)
	m.logger.Info("Link created",
		zap.String("link", h.String()),
		zap.String("id", h.ID()),
		zap.String("inbound", h.Route().InboundBrokerID),
		zap.String("outbound", h.Route().OutboundBrokerID))
	return h, nil
}

// updateLink reconfirms an existing link with a new definition. Runs under
// the manager lock.
func (m *DestinationManager) updateLink(scope *lockScope, h *handler.Handler, def interfaces.Definition, localizers []string) (*handler.Handler, error) {
	scope.lockEntity(h)
	if h.State().Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.Name(), h.Bus(), "update_link")
	}
	if err := m.applyLinkDefinition(h, def, localizers); err != nil {
		return nil, err
	}
	if err := m.activate(m.links, h); err != nil {
		return nil, err
	}
	return h, nil
}

// applyLinkDefinition updates a link's definition, hosts and route, and
// persists the result. The caller holds the link's entity lock.
func (m *DestinationManager) applyLinkDefinition(h *handler.Handler, def interfaces.Definition, localizers []string) error {
	oldDef := h.Definition()
	oldLocalizers := h.Localizers()
	oldRoute := h.Route()

	if err := h.UpdateDefinition(def); err != nil {
		return err
	}
	h.UpdateLocalizations(localizers, nil)

	if h.Kind() == interfaces.KindLink {
		route, err := m.selectRoute(h.ID())
		if err != nil {
			h.UpdateDefinition(oldDef)
			h.UpdateLocalizations(oldLocalizers, nil)
			return err
		}
		h.SetRoute(route)
	} else if bh := h.Bridge(); bh != nil && m.bridge != nil {
		if err := m.bridge.Update(bh, h.Definition(), m.localizationView(localizers)); err != nil {
			m.logger.Warn("Protocol bridge rejected link update",
				zap.String("link", h.String()),
				zap.Error(err))
		}
	}

	if err := m.persist(h); err != nil {
		h.UpdateDefinition(oldDef)
		h.UpdateLocalizations(oldLocalizers, nil)
		h.SetRoute(oldRoute)
		return err
	}
	m.links.Refresh(h)
	return nil
}

// GetLink returns a live link or MQ link by name
func (m *DestinationManager) GetLink(name string) (*handler.Handler, error) {
	h, ok := m.links.FindByName(name, m.bus)
	if !ok || h.IsToBeDeleted() || !h.IsVisible() {
		return nil, engerrors.NewLinkNotFound(name, "get_link")
	}
	if h.State().Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.Name(), h.Bus(), "get_link")
	}
	return h, nil
}

// DeleteLink deletes an inter-bus link
func (m *DestinationManager) DeleteLink(name string) error {
	h, ok := m.links.FindByName(name, m.bus)
	if !ok || h.Kind() != interfaces.KindLink {
		return engerrors.NewLinkNotFound(name, "delete_link")
	}
	return m.deleteEntity(deleteRequest{
		op:  "delete_link",
		idx: m.links,
		id:  h.ID(),
		notFound: func(name, _ string) error {
			return engerrors.NewLinkNotFound(name, "delete_link")
		},
	})
}

// DeleteMQLink deletes a protocol-bridge link. The bridge is told to delete
// its side once the bridge's own work drains.
func (m *DestinationManager) DeleteMQLink(name string) error {
	h, ok := m.links.FindByName(name, m.bus)
	if !ok || h.Kind() != interfaces.KindMQLink {
		return engerrors.NewMQLinkNotFound(name, "delete_mqlink")
	}
	return m.deleteMQLink(h)
}

// RequestMQLinkDelete lets the protocol bridge delete a link it owns
func (m *DestinationManager) RequestMQLinkDelete(linkID string) error {
	h, ok := m.links.FindByID(linkID)
	if !ok || h.Kind() != interfaces.KindMQLink {
		return engerrors.NewMQLinkNotFound(linkID, "request_mqlink_delete")
	}
	m.logger.Info("Protocol bridge requested link deletion", zap.String("link", h.String()))
	return m.deleteMQLink(h)
}

func (m *DestinationManager) deleteMQLink(h *handler.Handler) error {
	err := m.deleteEntity(deleteRequest{
		op:  "delete_mqlink",
		idx: m.links,
		id:  h.ID(),
		notFound: func(name, _ string) error {
			return engerrors.NewMQLinkNotFound(name, "delete_mqlink")
		},
	})
	if err != nil {
		return err
	}
	if bh := h.Bridge(); bh != nil && m.bridge != nil {
		if err := m.bridge.Delete(bh, true); err != nil {
			m.logger.Warn("Protocol bridge failed to delete link",
				zap.String("link", h.String()),
				zap.Error(err))
		}
	}
	return nil
}
