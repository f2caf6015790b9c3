package broker

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

// GetForeignBus returns the handler for a foreign bus, materializing it from
// configuration on first use
func (m *DestinationManager) GetForeignBus(name string) (*handler.Handler, error) {
	scope := m.newScope("get_foreign_bus")
	if h := m.findForeignBus(name); h != nil {
		return checkUsable(h, name)
	}
	scope.lockManager()
	defer scope.release()
	return m.getForeignBus(scope, name)
}

func (m *DestinationManager) findForeignBus(name string) *handler.Handler {
	h, ok := m.foreignBuses.FindByName(name, m.bus)
	if !ok || h.IsToBeDeleted() {
		return nil
	}
	return h
}

func checkUsable(h *handler.Handler, busName string) (*handler.Handler, error) {
	if h.State().Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.Name(), busName, "get_foreign_bus")
	}
	return h, nil
}

// foreignBusID derives a stable id for a foreign bus, which carries none in
// its definition
func foreignBusID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("foreign-bus:"+name)).String()
}

// getForeignBus runs under the manager lock
func (m *DestinationManager) getForeignBus(scope *lockScope, name string) (*handler.Handler, error) {
	if h := m.findForeignBus(name); h != nil {
		return checkUsable(h, name)
	}

	fb, err := m.admin.GetForeignBus(name)
	if errors.Is(err, interfaces.ErrDefinitionNotFound) {
		return nil, engerrors.NewForeignBusNotFound(name, "get_foreign_bus")
	}
	if err != nil {
		return nil, engerrors.NewStorageUnavailable("get_foreign_bus", name, err)
	}

	def := interfaces.Definition{
		ID:            foreignBusID(fb.Name),
		Name:          fb.Name,
		Bus:           m.bus,
		Kind:          interfaces.KindForeignBus,
		TargetBus:     fb.Name,
		SendInhibited: fb.SendInhibited,
	}
	if fb.LinkName != "" {
		def.Attributes = map[string]string{"link": fb.LinkName}
	}
	if fb.NextHopBus != "" {
		if def.Attributes == nil {
			def.Attributes = make(map[string]string)
		}
		def.Attributes["next_hop_bus"] = fb.NextHopBus
	}

	h := handler.New(def.ID, def, m.brokerID)
	if err := m.register(m.foreignBuses, h); err != nil {
		return nil, err
	}
	if err := m.activate(m.foreignBuses, h); err != nil {
		return nil, err
	}
	m.metrics.RecordCreated(interfaces.KindForeignBus)
	m.logger.Debug("Materialized foreign bus", zap.String("bus", fb.Name))
	return h, nil
}
