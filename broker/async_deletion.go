package broker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
)

type workerState int

const (
	workerNotCreated workerState = iota
	workerRunning
	workerStopping
	workerStopped
)

func (s workerState) String() string {
	switch s {
	case workerNotCreated:
		return "NOT_CREATED"
	case workerRunning:
		return "RUNNING"
	case workerStopping:
		return "STOPPING"
	case workerStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

const defaultDeletionBatch = 50

// deletionWorker is the single background task that physically removes
// entities marked for deletion. It cannot start before the engine announces
// it has started.
type deletionWorker struct {
	m        *DestinationManager
	batch    int
	interval time.Duration

	// startMu guards the fields below. It is a leaf lock: nothing else is
	// acquired while it is held.
	startMu   sync.Mutex
	state     workerState
	startable bool
	wake      chan struct{}
	stopCh    chan struct{}
	done      chan struct{}

	endMu sync.Mutex
	ended chan struct{}
}

func newDeletionWorker(m *DestinationManager, batch int, interval time.Duration) *deletionWorker {
	if batch <= 0 {
		batch = defaultDeletionBatch
	}
	return &deletionWorker{
		m:        m,
		batch:    batch,
		interval: interval,
		ended:    make(chan struct{}),
	}
}

// AnnounceStarted opens the gate that keeps the deletion worker from running
// during boot and starts it. Later calls have no effect.
func (m *DestinationManager) AnnounceStarted() {
	w := m.deletion
	w.startMu.Lock()
	if w.startable {
		w.startMu.Unlock()
		return
	}
	w.startable = true
	w.startMu.Unlock()

	m.logger.Info("Destination manager started, asynchronous deletion enabled")
	w.trigger()
}

// StartAsynchDeletion starts the deletion worker, or wakes it when it is
// already running. It reports false while the engine has not announced it
// has started.
func (m *DestinationManager) StartAsynchDeletion() bool {
	return m.deletion.trigger()
}

// StopAsynchDeletion stops the worker after its current item
func (m *DestinationManager) StopAsynchDeletion() {
	m.deletion.stop()
}

// DeletionWorkerState reports the worker state, for diagnostics
func (m *DestinationManager) DeletionWorkerState() string {
	w := m.deletion
	w.startMu.Lock()
	defer w.startMu.Unlock()
	return w.state.String()
}

func (w *deletionWorker) trigger() bool {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if !w.startable {
		return false
	}

	switch w.state {
	case workerRunning:
		w.rerun()
	case workerStopping:
		// the stopping goroutine sees no further work
		return false
	default:
		w.wake = make(chan struct{}, 1)
		w.stopCh = make(chan struct{})
		w.done = make(chan struct{})
		w.state = workerRunning
		go w.run(w.wake, w.stopCh, w.done)
	}
	return true
}

// rerun wakes an idle running worker; startMu must be held
func (w *deletionWorker) rerun() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *deletionWorker) stop() {
	w.startMu.Lock()
	if w.state != workerRunning {
		w.startMu.Unlock()
		return
	}
	w.state = workerStopping
	close(w.stopCh)
	done := w.done
	w.startMu.Unlock()

	<-done

	w.startMu.Lock()
	w.state = workerStopped
	w.startMu.Unlock()
}

// endSignal returns a channel closed at the end of the next sweep
func (w *deletionWorker) endSignal() <-chan struct{} {
	w.endMu.Lock()
	defer w.endMu.Unlock()
	return w.ended
}

// notifyAsynchDeletionEnd wakes everybody waiting for a sweep to finish
func (w *deletionWorker) notifyAsynchDeletionEnd() {
	w.endMu.Lock()
	close(w.ended)
	w.ended = make(chan struct{})
	w.endMu.Unlock()
}

func (w *deletionWorker) run(wake, stop, done chan struct{}) {
	defer close(done)
	defer w.notifyAsynchDeletionEnd()

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.m.logger.Debug("Asynchronous deletion worker running")
	for {
		removed, stopped := w.sweep(stop)
		w.m.metrics.RecordDeletionSweep(removed)
		w.notifyAsynchDeletionEnd()
		if stopped {
			return
		}

		select {
		case <-stop:
			return
		case <-wake:
		case <-tick:
		}
	}
}

// sweep removes everything ready for removal, a batch per transaction. It
// checks for a stop request between batches.
func (w *deletionWorker) sweep(stop <-chan struct{}) (int, bool) {
	var pending []*handler.Handler
	for _, idx := range w.m.indices() {
		for _, h := range idx.Iterate(index.PendingCleanup).All() {
			if h.ReadyForRemoval() {
				pending = append(pending, h)
			}
		}
	}

	removed := 0
	for start := 0; start < len(pending); start += w.batch {
		select {
		case <-stop:
			return removed, true
		default:
		}

		end := start + w.batch
		if end > len(pending) {
			end = len(pending)
		}
		n, err := w.removeBatch(pending[start:end])
		removed += n
		if err != nil {
			w.m.logger.Warn("Deletion batch failed, will retry on next sweep",
				zap.Int("batch_size", end-start),
				zap.Error(err))
		}
	}

	if removed > 0 {
		w.m.logger.Info("Asynchronous deletion sweep completed", zap.Int("removed", removed))
	}
	return removed, false
}

// removeBatch deletes the records of a batch in one transaction and drops
// the handlers from their registries once it commits
func (w *deletionWorker) removeBatch(batch []*handler.Handler) (int, error) {
	m := w.m
	scope := m.newScope("async_deletion")
	scope.lockManager()
	defer scope.release()

	tx, err := m.txm.Begin()
	if err != nil {
		return 0, err
	}

	var doomed []*handler.Handler
	for _, h := range batch {
		// Re-check under the lock; a reset may have revived it
		if h.State() != handler.StateDeletePending || !h.IsToBeDeleted() {
			continue
		}
		if h.IsPersistent() {
			if _, err := m.store.GetEntity(h.ID()); err == nil {
				if err := tx.Remove(h.ID()); err != nil {
					tx.Rollback()
					return 0, err
				}
			} else if !errors.Is(err, interfaces.ErrEntityNotFound) {
				tx.Rollback()
				return 0, err
			}
		}
		doomed = append(doomed, h)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, h := range doomed {
		m.indexFor(h.Kind()).Remove(h.ID())
		if err := h.SetState(handler.StateDeleted); err != nil {
			m.logger.Warn("Unexpected state on removal",
				zap.String("entity", h.String()),
				zap.Error(err))
		}
		m.metrics.RecordDeleted(h.Kind())
		m.logger.Debug("Entity removed",
			zap.String("entity", h.String()),
			zap.String("id", h.ID()))
	}
	return len(doomed), nil
}
