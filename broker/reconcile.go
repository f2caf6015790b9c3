package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/metrics"
)

// Reconcile reconfirms the reconstituted registries against configuration.
// It runs once after Reconstitute and before AnnounceStarted. Failures on
// individual entities are logged and reflected in their state; the returned
// error joins the inconsistencies that need an administrator.
func (m *DestinationManager) Reconcile(ctx context.Context) error {
	m.logger.Info("Reconciling entities against configuration")

	m.moveAllInDoubtToUnreconciled()
	inconsistencies := m.validateUnreconciled()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.reconcileLocal()
	m.reconcileLocalLinks()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.reconcileRemote()
	m.reconcileRemoteLinks()
	m.reconcileMQLinks()

	stats := m.Stats()
	m.logger.Info("Reconciliation completed",
		zap.Int("destinations", stats.Destinations),
		zap.Int("links", stats.Links),
		zap.Int("mqlinks", stats.MQLinks),
		zap.Int("pending_deletion", stats.PendingDeletion),
		zap.Int("corrupt", stats.Corrupt),
		zap.Int("inconsistencies", len(inconsistencies)))

	m.deletion.trigger()
	return errors.Join(inconsistencies...)
}

// moveAllInDoubtToUnreconciled re-exposes entities left in doubt by an
// abnormal shutdown so they are evaluated again
func (m *DestinationManager) moveAllInDoubtToUnreconciled() int {
	moved := 0
	for _, idx := range []*index.Index{m.destinations, m.links} {
		for _, h := range idx.Iterate(index.Indoubt).All() {
			if err := h.SetState(handler.StateUnreconciled); err != nil {
				m.logger.Warn("Cannot move in-doubt entity to UNRECONCILED",
					zap.String("entity", h.String()),
					zap.Error(err))
				continue
			}
			h.SetVisible(true)
			idx.Refresh(h)
			moved++
		}
	}
	if moved > 0 {
		m.logger.Info("Moved in-doubt entities to unreconciled", zap.Int("count", moved))
	}
	return moved
}

// validateUnreconciled checks each local unreconciled entity against its
// configuration by unique id. Entities configuration still places here are
// reconfirmed; those it moved elsewhere lose their local queue point;
// inconsistent ones are put in doubt.
func (m *DestinationManager) validateUnreconciled() []error {
	var (
		mutex           sync.Mutex
		inconsistencies []error
	)
	report := func(err error) {
		mutex.Lock()
		inconsistencies = append(inconsistencies, err)
		mutex.Unlock()
	}

	m.runPool("validate_unreconciled", m.destinations.Iterate(index.LocalUnreconciled).All(),
		func(h *handler.Handler) error {
			return m.validateDestination(h, report)
		})
	m.runPool("validate_unreconciled_links", m.links.Iterate(index.LocalUnreconciled.Is(index.FlagLink)).All(),
		func(h *handler.Handler) error {
			return m.validateLink(h)
		})
	return inconsistencies
}

func (m *DestinationManager) validateDestination(h *handler.Handler, report func(error)) error {
	def, err := m.admin.GetDestinationDefinition(h.Bus(), h.ID())
	if errors.Is(err, interfaces.ErrDefinitionNotFound) {
		// Unconfigured; reconcileLocal deletes it
		return nil
	}
	if err != nil {
		m.markIndoubt(m.destinations, h, err)
		return nil
	}
	if def.ID != h.ID() {
		return nil
	}

	brokers, err := m.admin.GetLocalizingBrokerSet(h.Bus(), h.ID())
	if err != nil {
		m.markIndoubt(m.destinations, h, err)
		return nil
	}

	if !contains(brokers, m.brokerID) {
		m.logger.Info("Local queue point no longer configured, deleting it",
			zap.String("destination", h.String()),
			zap.Strings("localizers", brokers))
		var remaining []string
		if len(brokers) > 0 {
			remaining = brokers
		}
		if err := m.DeleteLocalization(h.ID(), def, remaining); err != nil {
			m.markIndoubt(m.destinations, h, err)
			return err
		}
		m.metrics.RecordReconciliation(metrics.OutcomeDeleted)
		return nil
	}

	if h.Localization() == nil && h.Kind() != interfaces.KindService {
		err := engerrors.NewInternalError("validate_unreconciled",
			fmt.Sprintf("%s is configured on %s but has no local queue point", h, m.brokerID), nil)
		m.markIndoubt(m.destinations, h, err)
		report(err)
		return nil
	}

	return m.reconfirm(h, def, brokers)
}

// reconfirm applies the configured definition and hosts to an unreconciled
// destination and activates it
func (m *DestinationManager) reconfirm(h *handler.Handler, def *interfaces.Definition, brokers []string) error {
	// Local queue points only come from CreateLocalization
	if h.Localization() == nil && contains(brokers, m.brokerID) {
		brokers = without(brokers, m.brokerID)
	}
	if len(brokers) == 0 && h.Kind() != interfaces.KindService {
		return m.cleanupUnconfirmed(m.destinations, h)
	}

	scope := m.newScope("reconfirm")
	scope.lockReallocation(h)
	scope.lockEntity(h)
	defer scope.release()

	oldDef := h.Definition()
	oldLoc := h.Localization()
	oldLocalizers := h.Localizers()
	if err := h.UpdateDefinition(*def); err != nil {
		m.markCorrupt(m.destinations, h, err)
		return err
	}
	h.UpdateLocalizations(brokers, nil)
	if err := m.persist(h); err != nil {
		h.UpdateDefinition(oldDef)
		h.UpdateLocalizations(oldLocalizers, oldLoc)
		m.destinations.Refresh(h)
		return err
	}
	if err := m.activate(m.destinations, h); err != nil {
		return err
	}
	m.advertise(h)
	m.metrics.RecordReconciliation(metrics.OutcomeUpdated)
	return nil
}

func (m *DestinationManager) validateLink(h *handler.Handler) error {
	def, err := m.admin.GetLinkDefinition(h.ID())
	if errors.Is(err, interfaces.ErrDefinitionNotFound) {
		return nil
	}
	if err != nil {
		m.markIndoubt(m.links, h, err)
		return nil
	}
	if def.ID != h.ID() {
		return nil
	}
	brokers, err := m.admin.GetLocalizingBrokerSet(h.Bus(), h.ID())
	if err != nil {
		m.markIndoubt(m.links, h, err)
		return nil
	}
	if !contains(brokers, m.brokerID) {
		// Hosted elsewhere now; reconcileRemoteLinks picks it up
		m.updateLinkHosts(h, brokers)
		return nil
	}
	return m.reconfirmLink(h, def, brokers)
}

// updateLinkHosts records a new hosting set on an unreconciled link without
// reconfirming it
func (m *DestinationManager) updateLinkHosts(h *handler.Handler, brokers []string) {
	scope := m.newScope("update_link_hosts")
	scope.lockEntity(h)
	defer scope.release()
	h.UpdateLocalizations(brokers, nil)
	m.links.Refresh(h)
}

// reconfirmLink applies the configured definition, hosts and route to a link.
// A failing route selection makes the link corrupt.
func (m *DestinationManager) reconfirmLink(h *handler.Handler, def *interfaces.Definition, brokers []string) error {
	scope := m.newScope("reconfirm_link")
	scope.lockEntity(h)
	defer scope.release()

	if err := m.applyLinkDefinition(h, *def, brokers); err != nil {
		m.markCorrupt(m.links, h, err)
		return nil
	}
	if err := m.activate(m.links, h); err != nil {
		return err
	}
	m.metrics.RecordReconciliation(metrics.OutcomeUpdated)
	return nil
}

func without(set []string, v string) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// reconcileLocal deletes local destinations configuration never reconfirmed
func (m *DestinationManager) reconcileLocal() {
	m.runPool("reconcile_local", m.destinations.Iterate(index.LocalUnreconciled).All(),
		func(h *handler.Handler) error {
			return m.cleanupUnconfirmed(m.destinations, h)
		})
}

// reconcileLocalLinks deletes local links configuration never reconfirmed
func (m *DestinationManager) reconcileLocalLinks() {
	m.runPool("reconcile_local_links", m.links.Iterate(index.LocalUnreconciled.Is(index.FlagLink)).All(),
		func(h *handler.Handler) error {
			return m.cleanupUnconfirmed(m.links, h)
		})
}

func (m *DestinationManager) cleanupUnconfirmed(idx *index.Index, h *handler.Handler) error {
	marked, err := m.markForCleanup(idx, h)
	if err != nil {
		return err
	}
	if marked {
		m.metrics.RecordReconciliation(metrics.OutcomeDeleted)
		m.logger.Info("Entity not confirmed by configuration, deleting",
			zap.String("entity", h.String()),
			zap.String("id", h.ID()))
	}
	return nil
}

// reconcileRemote re-fetches every remaining unreconciled destination by
// name. A different id or a missing definition deletes it; a matching id
// updates its definition, hosts and classification.
func (m *DestinationManager) reconcileRemote() {
	m.runPool("reconcile_remote", m.destinations.Iterate(index.Unreconciled).All(),
		func(h *handler.Handler) error {
			def, err := m.admin.GetDestinationDefinition(h.Bus(), h.Name())
			if errors.Is(err, interfaces.ErrDefinitionNotFound) {
				return m.cleanupUnconfirmed(m.destinations, h)
			}
			if err != nil {
				m.markIndoubt(m.destinations, h, err)
				return nil
			}
			if def.ID != h.ID() || def.Kind != h.Kind() {
				m.logger.Info("Destination redefined with a new identity, deleting old one",
					zap.String("destination", h.String()),
					zap.String("old_id", h.ID()),
					zap.String("new_id", def.ID))
				return m.cleanupUnconfirmed(m.destinations, h)
			}
			brokers, err := m.admin.GetLocalizingBrokerSet(h.Bus(), h.ID())
			if err != nil {
				m.markIndoubt(m.destinations, h, err)
				return nil
			}
			return m.reconfirm(h, def, brokers)
		})
}

// reconcileRemoteLinks is reconcileRemote for links, re-selecting routes.
// Route selection failures make the link corrupt without failing the pass.
func (m *DestinationManager) reconcileRemoteLinks() {
	m.runPool("reconcile_remote_links", m.links.Iterate(index.Unreconciled.Is(index.FlagLink)).All(),
		func(h *handler.Handler) error {
			def, err := m.admin.GetLinkDefinition(h.Name())
			if errors.Is(err, interfaces.ErrDefinitionNotFound) {
				return m.cleanupUnconfirmed(m.links, h)
			}
			if err != nil {
				m.markIndoubt(m.links, h, err)
				return nil
			}
			if def.ID != h.ID() || def.Kind != h.Kind() {
				return m.cleanupUnconfirmed(m.links, h)
			}
			brokers, err := m.admin.GetLocalizingBrokerSet(h.Bus(), h.ID())
			if err != nil {
				m.markIndoubt(m.links, h, err)
				return nil
			}
			return m.reconfirmLink(h, def, brokers)
		})
}

// reconcileMQLinks hands unreconciled protocol-bridge links to the bridge,
// which owns their lifecycle from then on and may ask for their deletion
func (m *DestinationManager) reconcileMQLinks() {
	m.runPool("reconcile_mqlinks", m.links.Iterate(index.Unreconciled.Is(index.FlagMQLink)).All(),
		func(h *handler.Handler) error {
			scope := m.newScope("reconcile_mqlink")
			scope.lockEntity(h)
			defer scope.release()

			if m.bridge == nil {
				m.logger.Warn("No protocol bridge configured, activating MQ link as is",
					zap.String("link", h.String()))
			} else {
				bh, err := m.bridge.Defer(h.Definition(), m.localizationView(h.Localizers()), m)
				if err != nil {
					m.markCorrupt(m.links, h, err)
					return nil
				}
				h.SetBridge(bh)
			}
			if err := m.activate(m.links, h); err != nil {
				return err
			}
			m.metrics.RecordReconciliation(metrics.OutcomeDeferred)
			return nil
		})
}
