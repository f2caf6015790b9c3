package interfaces

import (
	"errors"
)

// RecordCursor is a finite, restartable snapshot over persisted records
type RecordCursor interface {
	// Next returns the next record, or false once the snapshot is exhausted
	Next() (*EntityRecord, bool)

	// Reset rewinds the cursor to the first record
	Reset()

	// Len returns the number of records in the snapshot
	Len() int
}

// StoreTx is a local store transaction. Operations are invisible to other
// readers until Commit.
type StoreTx interface {
	ID() string
	Add(record *EntityRecord) error
	Update(record *EntityRecord) error
	Remove(id string) error
	Commit() error
	Rollback() error
}

// EntityStore persists entity records
type EntityStore interface {
	// Begin starts a new local transaction
	Begin() (StoreTx, error)

	// FindEntitiesByType scans every record of a group
	FindEntitiesByType(group EntityGroup) (RecordCursor, error)

	// GetEntity retrieves a record by unique id
	GetEntity(id string) (*EntityRecord, error)

	// NextTick returns the next value of a persistent, monotonically
	// increasing counter
	NextTick() (uint64, error)

	// FileBased reports single-writer file backends, which do not benefit
	// from parallel reconstitution
	FileBased() bool

	Close() error
}

// Storage error types
var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrEntityExists   = errors.New("entity already exists")
	ErrTxClosed       = errors.New("transaction already completed")
	ErrStoreClosed    = errors.New("store is closed")
)

// StorageStats represents entity store statistics
type StorageStats struct {
	Destinations int `json:"destinations"`
	Links        int `json:"links"`
	MQLinks      int `json:"mqlinks"`
}
