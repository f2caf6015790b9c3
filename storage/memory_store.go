package storage

import (
	"sync"

	"github.com/maxpert/msgengine/interfaces"
)

// MemoryEntityStore implements EntityStore using in-memory storage
type MemoryEntityStore struct {
	records map[string]*interfaces.EntityRecord
	tick    uint64
	closed  bool
	mutex   sync.RWMutex
}

// NewMemoryEntityStore creates a new in-memory entity store
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		records: make(map[string]*interfaces.EntityRecord),
	}
}

func (m *MemoryEntityStore) Begin() (interfaces.StoreTx, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}
	return newStagedTx(m.apply), nil
}

func (m *MemoryEntityStore) apply(ops []stagedOp) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return interfaces.ErrStoreClosed
	}

	err := validateOps(ops, func(id string) (bool, error) {
		_, ok := m.records[id]
		return ok, nil
	})
	if err != nil {
		return err
	}

	for _, op := range ops {
		switch op.kind {
		case opAdd, opUpdate:
			m.records[op.id] = op.record
		case opRemove:
			delete(m.records, op.id)
		}
	}
	return nil
}

func (m *MemoryEntityStore) FindEntitiesByType(group interfaces.EntityGroup) (interfaces.RecordCursor, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}

	var records []*interfaces.EntityRecord
	for _, rec := range m.records {
		if rec.Kind.Group() == group {
			records = append(records, rec.Clone())
		}
	}
	return newSliceCursor(records), nil
}

func (m *MemoryEntityStore) GetEntity(id string) (*interfaces.EntityRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, interfaces.ErrStoreClosed
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, interfaces.ErrEntityNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryEntityStore) NextTick() (uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return 0, interfaces.ErrStoreClosed
	}
	m.tick++
	return m.tick, nil
}

// SetTick moves the tick source, so the next tick is value+1
func (m *MemoryEntityStore) SetTick(value uint64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.tick = value
}

func (m *MemoryEntityStore) FileBased() bool { return false }

func (m *MemoryEntityStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	return nil
}
