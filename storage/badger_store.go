package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/maxpert/msgengine/interfaces"
)

const (
	entityPrefix = "entity:"
	tickKey      = "meta:tick"
	tickLease    = 100
)

// BadgerEntityStore implements EntityStore using Badger database. Records are
// stored under entity:<id>; the tick comes from a Badger sequence.
type BadgerEntityStore struct {
	db   *badger.DB
	tick *badger.Sequence
}

// NewBadgerEntityStore opens (or creates) a Badger entity store at dbPath
func NewBadgerEntityStore(dbPath string, syncWrites bool) (*BadgerEntityStore, error) {
	opts := badger.DefaultOptions(dbPath).WithSyncWrites(syncWrites)
	opts.Logger = nil // Disable badger's default logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(tickKey), tickLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open tick sequence: %w", err)
	}

	return &BadgerEntityStore{db: db, tick: seq}, nil
}

func (b *BadgerEntityStore) entityKey(id string) []byte {
	return []byte(entityPrefix + id)
}

func (b *BadgerEntityStore) Begin() (interfaces.StoreTx, error) {
	if b.db.IsClosed() {
		return nil, interfaces.ErrStoreClosed
	}
	return newStagedTx(b.apply), nil
}

func (b *BadgerEntityStore) apply(ops []stagedOp) error {
	return b.db.Update(func(txn *badger.Txn) error {
		err := validateOps(ops, func(id string) (bool, error) {
			_, err := txn.Get(b.entityKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return false, nil
			}
			return err == nil, err
		})
		if err != nil {
			return err
		}

		for _, op := range ops {
			switch op.kind {
			case opAdd, opUpdate:
				data, err := encodeRecord(op.record)
				if err != nil {
					return fmt.Errorf("failed to marshal entity %s: %w", op.id, err)
				}
				if err := txn.Set(b.entityKey(op.id), data); err != nil {
					return err
				}
			case opRemove:
				if err := txn.Delete(b.entityKey(op.id)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (b *BadgerEntityStore) FindEntitiesByType(group interfaces.EntityGroup) (interfaces.RecordCursor, error) {
	prefix := []byte(entityPrefix)
	var records []*interfaces.EntityRecord

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return fmt.Errorf("failed to unmarshal entity %s: %w", item.Key(), err)
				}
				if rec.Kind.Group() == group {
					records = append(records, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newSliceCursor(records), nil
}

func (b *BadgerEntityStore) GetEntity(id string) (*interfaces.EntityRecord, error) {
	var rec *interfaces.EntityRecord

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.entityKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return interfaces.ErrEntityNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			var err error
			rec, err = decodeRecord(val)
			return err
		})
	})

	return rec, err
}

func (b *BadgerEntityStore) NextTick() (uint64, error) {
	n, err := b.tick.Next()
	if err != nil {
		return 0, fmt.Errorf("failed to advance tick: %w", err)
	}
	// Sequences start at zero; ticks start at one
	return n + 1, nil
}

func (b *BadgerEntityStore) FileBased() bool { return false }

func (b *BadgerEntityStore) Close() error {
	if err := b.tick.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("failed to release tick sequence: %w", err)
	}
	return b.db.Close()
}
