package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/transaction"
)

// ReconstitutionStats reports what a warm start rebuilt
type ReconstitutionStats struct {
	mutex sync.Mutex

	Registered      int
	Corrupt         int
	Ignored         int
	StaleTemporary  int
	PendingDeletion int
	Failed          int
	Duration        time.Duration
}

func (s *ReconstitutionStats) add(fn func(s *ReconstitutionStats)) {
	s.mutex.Lock()
	fn(s)
	s.mutex.Unlock()
}

// runPool runs fn for every handler on a bounded pool and waits for all of
// them. A failing or panicking task is logged and never cancels its
// siblings.
func (m *DestinationManager) runPool(op string, handlers []*handler.Handler, fn func(h *handler.Handler) error) {
	g := new(errgroup.Group)
	g.SetLimit(m.poolSize())
	for _, h := range handlers {
		g.Go(func() error {
			m.guard(op, h.String(), func() error { return fn(h) })
			return nil
		})
	}
	g.Wait()
}

// guard runs fn, logging its error or panic
func (m *DestinationManager) guard(op, entity string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Task panicked",
				zap.String("op", op),
				zap.String("entity", entity),
				zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		m.logger.Warn("Task failed",
			zap.String("op", op),
			zap.String("entity", entity),
			zap.Error(err))
	}
}

// Reconstitute rebuilds the registries from the store, one entity group at
// a time. Records flagged ignore are skipped and stale temporary
// destinations are deleted inline. Everything else is rebuilt on a bounded
// pool that is drained before the next group starts.
func (m *DestinationManager) Reconstitute(ctx context.Context) (*ReconstitutionStats, error) {
	stats := &ReconstitutionStats{}
	started := time.Now()
	workers := m.poolSize()

	m.logger.Info("Reconstituting entities from store",
		zap.Int("workers", workers),
		zap.Bool("file_based_store", m.store.FileBased()))

	for _, group := range interfaces.Groups {
		groupStart := time.Now()
		cursor, err := m.store.FindEntitiesByType(group)
		if err != nil {
			return stats, fmt.Errorf("scan %s: %w", group, err)
		}

		// A fresh pool per group; Wait is the barrier before the next one
		g := new(errgroup.Group)
		g.SetLimit(workers)

		for rec, ok := cursor.Next(); ok; rec, ok = cursor.Next() {
			if err := ctx.Err(); err != nil {
				g.Wait()
				return stats, err
			}
			if rec.Ignore {
				stats.add(func(s *ReconstitutionStats) { s.Ignored++ })
				m.logger.Debug("Skipping record previously found corrupt",
					zap.String("id", rec.ID),
					zap.String("name", rec.Name))
				continue
			}
			if rec.Temporary {
				m.deleteStaleTemporary(rec, stats)
				continue
			}
			g.Go(func() error {
				m.guard("reconstitute", rec.Name, func() error {
					return m.reconstituteOne(rec, stats)
				})
				return nil
			})
		}
		g.Wait()

		elapsed := time.Since(groupStart)
		m.metrics.ObserveReconstitution(group, elapsed)
		m.logger.Info("Entity group reconstituted",
			zap.Stringer("group", group),
			zap.Int("records", cursor.Len()),
			zap.Duration("duration", elapsed))
	}

	stats.Duration = time.Since(started)
	m.logger.Info("Reconstitution completed",
		zap.Duration("duration", stats.Duration),
		zap.Int("registered", stats.Registered),
		zap.Int("corrupt", stats.Corrupt),
		zap.Int("ignored", stats.Ignored),
		zap.Int("stale_temporary", stats.StaleTemporary),
		zap.Int("pending_deletion", stats.PendingDeletion),
		zap.Int("failed", stats.Failed))
	return stats, nil
}

// deleteStaleTemporary removes a temporary destination left over from a
// previous run. Failures are logged and the scan continues.
func (m *DestinationManager) deleteStaleTemporary(rec *interfaces.EntityRecord, stats *ReconstitutionStats) {
	err := m.txm.AutoCommit(func(tx *transaction.Transaction) error {
		return tx.Remove(rec.ID)
	})
	if err != nil {
		stats.add(func(s *ReconstitutionStats) { s.Failed++ })
		m.logger.Warn("Failed to delete stale temporary destination",
			zap.String("name", rec.Name),
			zap.String("id", rec.ID),
			zap.Error(err))
		return
	}
	stats.add(func(s *ReconstitutionStats) { s.StaleTemporary++ })
	m.logger.Info("Deleted stale temporary destination",
		zap.String("name", rec.Name),
		zap.String("id", rec.ID))
}

// reconstituteOne recovers one record and registers the resulting handler
func (m *DestinationManager) reconstituteOne(rec *interfaces.EntityRecord, stats *ReconstitutionStats) error {
	h := handler.FromRecord(rec, m.brokerID)
	idx := m.indexFor(rec.Kind)

	state, recErr := h.Reconstitute(rec)
	if recErr != nil {
		stats.add(func(s *ReconstitutionStats) { s.Corrupt++ })
		m.metrics.RecordReconstitutionFailure()
		m.logger.Error("Entity could not be reconstituted, marking corrupt",
			zap.String("name", rec.Name),
			zap.String("id", rec.ID),
			zap.Stringer("kind", rec.Kind),
			zap.Error(recErr))

		// Never retried on later starts
		h.SetIgnored(true)
		if err := m.persist(h); err != nil {
			m.logger.Warn("Failed to persist ignore flag",
				zap.String("id", rec.ID),
				zap.Error(err))
		}
	}

	if state != handler.StateCorrupt && rec.ToBeDeleted {
		if err := h.SetState(handler.StateDeletePending); err != nil {
			return err
		}
		h.SetVisible(false)
		h.ClearLocalizations()
		stats.add(func(s *ReconstitutionStats) { s.PendingDeletion++ })
	}

	if err := idx.Put(h); err != nil {
		stats.add(func(s *ReconstitutionStats) { s.Failed++ })
		return fmt.Errorf("register %s: %w", h, err)
	}
	m.metrics.RecordRegistered(h.Kind())
	if recErr == nil {
		stats.add(func(s *ReconstitutionStats) { s.Registered++ })
	}
	m.logger.Debug("Entity reconstituted",
		zap.String("entity", h.String()),
		zap.Stringer("state", h.State()))
	return nil
}
