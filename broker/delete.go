package broker

import (
	"fmt"

	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
)

// deleteRequest describes one deleteEntity call
type deleteRequest struct {
	op  string
	idx *index.Index
	id  string

	// newDef and remaining describe a partial delete; a nil newDef or an
	// empty remaining set makes it a full delete
	newDef    *interfaces.Definition
	remaining []string

	// requireLocal rejects entities not localized on this broker
	requireLocal bool
	notFound     func(name, bus string) error
}

func (r deleteRequest) full() bool {
	return r.newDef == nil || len(r.remaining) == 0
}

// DeleteLocalization removes the local queue point of a destination. With a
// nil newDef or no remaining localizers the whole destination is deleted;
// otherwise only the local queue point goes and the destination is updated
// to newDef hosted on remaining.
func (m *DestinationManager) DeleteLocalization(id string, newDef *interfaces.Definition, remaining []string) error {
	return m.deleteEntity(deleteRequest{
		op:           "delete_localization",
		idx:          m.destinations,
		id:           id,
		newDef:       newDef,
		remaining:    remaining,
		requireLocal: true,
		notFound: func(name, bus string) error {
			if IsTemporaryName(name) {
				return engerrors.NewTemporaryDestinationNotFound(name, bus, "delete_localization")
			}
			return engerrors.NewDestinationNotFound(name, bus, "delete_localization")
		},
	})
}

// DeleteDestination fully deletes a destination by name
func (m *DestinationManager) DeleteDestination(name, bus string) error {
	bus = m.busOr(bus)
	h := m.findDestination(name, bus, false)
	if h == nil {
		if IsTemporaryName(name) {
			return engerrors.NewTemporaryDestinationNotFound(name, bus, "delete_destination")
		}
		return engerrors.NewDestinationNotFound(name, bus, "delete_destination")
	}
	if h.IsAlias() {
		return m.DeleteAlias(name, bus)
	}
	return m.DeleteLocalization(h.ID(), nil, nil)
}

// DeleteTemporaryDestination deletes a temporary destination. It is refused
// while consumers or non-durable subscribers are attached.
func (m *DestinationManager) DeleteTemporaryDestination(name string) error {
	const op = "delete_temporary_destination"
	scope := m.newScope(op)
	scope.lockManager()

	h := m.findDestination(name, m.bus, false)
	if h == nil || !h.IsTemporary() {
		scope.release()
		return engerrors.NewTemporaryDestinationNotFound(name, m.bus, op)
	}
	if n := h.ConsumerCount(); n > 0 {
		scope.release()
		return engerrors.NewDestinationLocked(name, m.bus, op, fmt.Sprintf("%d consumers attached", n))
	}
	if n := h.NonDurableSubscribers(); n > 0 {
		scope.release()
		return engerrors.NewDestinationLocked(name, m.bus, op, fmt.Sprintf("%d non-durable subscribers attached", n))
	}
	id := h.ID()
	scope.release()

	return m.DeleteLocalization(id, nil, nil)
}

// deleteEntity runs the two-phase delete.
//
// Phase 1 (manager, reallocation, entity) checks the entity and, for a full
// delete, flags it to-be-deleted in memory so no new producer attaches.
// Sessions are then closed with no lock held. Phase 2 (manager,
// reallocation, entity) persists the change, retires dependent aliases and
// withdraws the queue point.
func (m *DestinationManager) deleteEntity(req deleteRequest) error {
	full := req.full()

	// Phase 1
	scope := m.newScope(req.op)
	scope.lockManager()

	h, ok := req.idx.FindByID(req.id)
	if !ok || h.IsToBeDeleted() || h.State() == handler.StateDeleted {
		scope.release()
		name := req.id
		bus := m.bus
		if ok {
			name, bus = h.Name(), h.Bus()
		}
		return req.notFound(name, bus)
	}
	if h.IsSystem() {
		scope.release()
		return engerrors.NewNotPossibleInCurrentConfig(h.Name(), h.Bus(), req.op, "system destinations cannot be deleted")
	}
	if req.requireLocal && !h.IsLocal() {
		scope.release()
		return engerrors.NewNotPossibleInCurrentConfig(h.Name(), h.Bus(), req.op, "destination is not localized on this broker")
	}
	if h.IsDeleteInProgress() {
		scope.release()
		return engerrors.NewNotPossibleInCurrentConfig(h.Name(), h.Bus(), req.op, "delete already in progress")
	}

	scope.lockReallocation(h)
	scope.lockEntity(h)
	h.SetDeleteInProgress(true)
	if full {
		if err := h.MarkToBeDeleted(); err != nil {
			h.SetDeleteInProgress(false)
			scope.release()
			return err
		}
		req.idx.Refresh(h)
	}
	scope.release()

	// No tier lock held while sessions close
	if full {
		producers := h.CloseProducers()
		consumers := h.CloseConsumers()
		if producers+consumers > 0 {
			m.logger.Debug("Closed sessions for deleted entity",
				zap.String("entity", h.String()),
				zap.Int("producers", producers),
				zap.Int("consumers", consumers))
		}
	}

	// Phase 2
	scope.lockManager()
	scope.lockReallocation(h)
	scope.lockEntity(h)
	defer scope.release()
	defer h.SetDeleteInProgress(false)

	if full {
		return m.completeFullDelete(req, h)
	}
	return m.completePartialDelete(req, h)
}

func (m *DestinationManager) completeFullDelete(req deleteRequest, h *handler.Handler) error {
	if err := m.persist(h); err != nil {
		h.ResetToBeDeleted()
		req.idx.Refresh(h)
		m.logger.Warn("Failed to persist deletion, entity restored",
			zap.String("entity", h.String()),
			zap.Error(err))
		return err
	}

	hadLocalPoint := h.HasLocalPoint()
	if err := h.SetState(handler.StateDeletePending); err != nil {
		return err
	}
	h.SetVisible(false)
	h.ClearLocalizations()
	req.idx.Refresh(h)

	cascaded := 0
	if req.idx == m.destinations {
		cascaded = m.cascadeAliases(h.Address())
	}
	if hadLocalPoint {
		m.withdraw(h)
	}

	m.logger.Info("Entity marked for deletion",
		zap.String("entity", h.String()),
		zap.String("id", h.ID()),
		zap.Int("aliases_retired", cascaded))

	m.deletion.trigger()
	return nil
}

func (m *DestinationManager) completePartialDelete(req deleteRequest, h *handler.Handler) error {
	oldDef := h.Definition()
	oldLoc := h.Localization()
	oldLocalizers := h.Localizers()
	hadLocalPoint := h.HasLocalPoint()

	def := *req.newDef
	def.ID = h.ID()
	if err := h.UpdateDefinition(def); err != nil {
		return err
	}
	h.UpdateLocalizations(req.remaining, nil)

	if err := m.persist(h); err != nil {
		h.UpdateDefinition(oldDef)
		h.UpdateLocalizations(oldLocalizers, oldLoc)
		req.idx.Refresh(h)
		return err
	}
	req.idx.Refresh(h)

	if hadLocalPoint && !h.HasLocalPoint() {
		m.withdraw(h)
	}
	m.logger.Info("Local queue point removed",
		zap.String("entity", h.String()),
		zap.Strings("remaining", h.Localizers()))
	return nil
}
