package broker

import (
	"fmt"

	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

// AlterDestination replaces the definition of a live local destination.
// Listeners are told about send or receive availability the change opened.
func (m *DestinationManager) AlterDestination(def interfaces.Definition) (*handler.Handler, error) {
	const op = "alter_destination"
	def = def.Clone()
	def.Bus = m.busOr(def.Bus)

	scope := m.newScope(op)
	scope.lockManager()

	h := m.findDestination(def.Name, def.Bus, false)
	if h == nil {
		scope.release()
		return nil, engerrors.NewDestinationNotFound(def.Name, def.Bus, op)
	}
	if h.State().Quarantined() {
		scope.release()
		return nil, engerrors.NewDestinationCorrupt(h.Name(), h.Bus(), op)
	}
	if h.IsAlias() {
		scope.release()
		return m.AlterAlias(def)
	}
	if h.Kind() != def.Kind {
		scope.release()
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op,
			fmt.Sprintf("cannot change kind from %s to %s", h.Kind(), def.Kind))
	}
	if !h.IsLocal() {
		scope.release()
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op, "destination is not localized on this broker")
	}
	if def.ID != "" && def.ID != h.ID() {
		scope.release()
		return nil, engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, op,
			fmt.Sprintf("definition id %s does not match %s", def.ID, h.ID()))
	}

	scope.lockReallocation(h)
	scope.lockEntity(h)

	before := availabilityOf(h)
	oldDef := h.Definition()
	def.ID = h.ID()
	if err := h.UpdateDefinition(def); err != nil {
		scope.release()
		return nil, err
	}
	if err := m.persist(h); err != nil {
		h.UpdateDefinition(oldDef)
		scope.release()
		return nil, err
	}
	m.destinations.Refresh(h)
	scope.release()

	m.logger.Info("Destination altered",
		zap.String("destination", h.String()),
		zap.Bool("send_inhibited", def.SendInhibited),
		zap.Bool("receive_inhibited", def.ReceiveInhibited))

	m.notifyListeners(h, availabilityOf(h)&^before)
	return h, nil
}
