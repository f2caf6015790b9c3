package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
)

// Observer is told about every finished transaction
type Observer interface {
	ObserveTransaction(kind interfaces.TransactionKind, committed bool)
}

// Manager hands out store transactions and tracks their outcome
type Manager struct {
	store    interfaces.EntityStore
	logger   *zap.Logger
	observer Observer

	mutex  sync.RWMutex
	active map[string]*Transaction

	totalCommits     int64
	totalRollbacks   int64
	totalAutoCommits int64
	failedCommits    int64
}

// NewManager creates a transaction manager over store
func NewManager(store interfaces.EntityStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger,
		active: make(map[string]*Transaction),
	}
}

// SetObserver installs an observer, typically the metrics collector
func (tm *Manager) SetObserver(observer Observer) {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()
	tm.observer = observer
}

// Store returns the underlying entity store
func (tm *Manager) Store() interfaces.EntityStore {
	return tm.store
}

// Begin starts a local transaction
func (tm *Manager) Begin() (*Transaction, error) {
	return tm.begin(interfaces.TransactionLocal)
}

func (tm *Manager) begin(kind interfaces.TransactionKind) (*Transaction, error) {
	storeTx, err := tm.store.Begin()
	if err != nil {
		return nil, engerrors.NewStorageUnavailable("begin", "entity store", err)
	}

	tx := &Transaction{
		manager: tm,
		storeTx: storeTx,
		kind:    kind,
	}

	tm.mutex.Lock()
	tm.active[storeTx.ID()] = tx
	tm.mutex.Unlock()

	return tx, nil
}

// AutoCommit runs fn inside a transaction that commits as soon as fn
// returns. It is used to persist single flag changes.
func (tm *Manager) AutoCommit(fn func(tx *Transaction) error) error {
	tx, err := tm.begin(interfaces.TransactionAutoCommit)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Warn("Auto-commit rollback failed",
				zap.String("tx_id", tx.ID()),
				zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

func (tm *Manager) finish(tx *Transaction, committed, failed bool) {
	tm.mutex.Lock()
	delete(tm.active, tx.ID())
	observer := tm.observer
	tm.mutex.Unlock()

	switch {
	case failed:
		atomic.AddInt64(&tm.failedCommits, 1)
	case committed && tx.kind == interfaces.TransactionAutoCommit:
		atomic.AddInt64(&tm.totalAutoCommits, 1)
	case committed:
		atomic.AddInt64(&tm.totalCommits, 1)
	default:
		atomic.AddInt64(&tm.totalRollbacks, 1)
	}

	if observer != nil {
		observer.ObserveTransaction(tx.kind, committed)
	}
}

// GetTransactionStats returns current transaction statistics
func (tm *Manager) GetTransactionStats() *interfaces.TransactionStats {
	tm.mutex.RLock()
	active := len(tm.active)
	tm.mutex.RUnlock()

	return &interfaces.TransactionStats{
		ActiveTransactions: active,
		TotalCommits:       atomic.LoadInt64(&tm.totalCommits),
		TotalRollbacks:     atomic.LoadInt64(&tm.totalRollbacks),
		TotalAutoCommits:   atomic.LoadInt64(&tm.totalAutoCommits),
		FailedCommits:      atomic.LoadInt64(&tm.failedCommits),
	}
}

// Transaction wraps a store transaction with commit and rollback handlers.
// Rollback handlers undo in-memory changes made alongside the store writes
// and run in reverse registration order when the transaction rolls back or
// its commit fails.
type Transaction struct {
	manager *Manager
	storeTx interfaces.StoreTx
	kind    interfaces.TransactionKind

	mutex            sync.Mutex
	rollbackHandlers []func()
	commitHandlers   []func()
	done             bool
}

func (tx *Transaction) ID() string                       { return tx.storeTx.ID() }
func (tx *Transaction) Kind() interfaces.TransactionKind { return tx.kind }

// Add stages a new record
func (tx *Transaction) Add(record *interfaces.EntityRecord) error {
	if err := tx.storeTx.Add(record); err != nil {
		return engerrors.NewStorageUnavailable("add", record.ID, err)
	}
	return nil
}

// Update stages a record replacement
func (tx *Transaction) Update(record *interfaces.EntityRecord) error {
	if err := tx.storeTx.Update(record); err != nil {
		return engerrors.NewStorageUnavailable("update", record.ID, err)
	}
	return nil
}

// Remove stages a record removal
func (tx *Transaction) Remove(id string) error {
	if err := tx.storeTx.Remove(id); err != nil {
		return engerrors.NewStorageUnavailable("remove", id, err)
	}
	return nil
}

// OnRollback registers fn to run if the transaction does not commit
func (tx *Transaction) OnRollback(fn func()) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	tx.rollbackHandlers = append(tx.rollbackHandlers, fn)
}

// OnCommit registers fn to run after a successful commit
func (tx *Transaction) OnCommit(fn func()) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	tx.commitHandlers = append(tx.commitHandlers, fn)
}

func (tx *Transaction) complete() ([]func(), []func(), error) {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	if tx.done {
		return nil, nil, fmt.Errorf("transaction %s: %w", tx.ID(), interfaces.ErrTxClosed)
	}
	tx.done = true
	return tx.rollbackHandlers, tx.commitHandlers, nil
}

// Commit makes the staged writes durable. A failed commit runs the rollback
// handlers before the error is returned.
func (tx *Transaction) Commit() error {
	rollbacks, commits, err := tx.complete()
	if err != nil {
		return err
	}

	if err := tx.storeTx.Commit(); err != nil {
		tx.manager.logger.Warn("Transaction commit failed, rolling back",
			zap.String("tx_id", tx.ID()),
			zap.Stringer("kind", tx.kind),
			zap.Error(err))
		runReverse(rollbacks)
		tx.manager.finish(tx, false, true)
		return engerrors.NewStorageUnavailable("commit", tx.ID(), err)
	}

	for _, fn := range commits {
		fn()
	}
	tx.manager.finish(tx, true, false)
	return nil
}

// Rollback discards the staged writes and runs the rollback handlers
func (tx *Transaction) Rollback() error {
	rollbacks, _, err := tx.complete()
	if err != nil {
		return err
	}

	rbErr := tx.storeTx.Rollback()
	runReverse(rollbacks)
	tx.manager.finish(tx, false, false)
	if rbErr != nil {
		return engerrors.NewStorageUnavailable("rollback", tx.ID(), rbErr)
	}
	return nil
}

func runReverse(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
