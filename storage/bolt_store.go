package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/maxpert/msgengine/interfaces"
)

var bucketMeta = []byte("meta")

func groupBucket(group interfaces.EntityGroup) []byte {
	return []byte(group.String())
}

// BoltEntityStore implements EntityStore on a single bbolt file. Each group
// has its own bucket of CBOR-encoded records keyed by unique id, and the
// tick is the meta bucket's sequence.
type BoltEntityStore struct {
	db *bbolt.DB
}

// NewBoltEntityStore opens (or creates) the bbolt store at path
func NewBoltEntityStore(path string, syncWrites bool) (*BoltEntityStore, error) {
	opts := &bbolt.Options{Timeout: 0, NoSync: !syncWrites}
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("entity store: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		for _, group := range interfaces.Groups {
			if _, err := tx.CreateBucketIfNotExists(groupBucket(group)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("entity store: init buckets: %w", err)
	}

	return &BoltEntityStore{db: db}, nil
}

func (s *BoltEntityStore) Begin() (interfaces.StoreTx, error) {
	return newStagedTx(s.apply), nil
}

// locate finds the bucket holding id
func locate(tx *bbolt.Tx, id string) *bbolt.Bucket {
	for _, group := range interfaces.Groups {
		b := tx.Bucket(groupBucket(group))
		if b.Get([]byte(id)) != nil {
			return b
		}
	}
	return nil
}

func (s *BoltEntityStore) apply(ops []stagedOp) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := validateOps(ops, func(id string) (bool, error) {
			return locate(tx, id) != nil, nil
		})
		if err != nil {
			return err
		}

		for _, op := range ops {
			switch op.kind {
			case opAdd, opUpdate:
				val, err := encodeRecord(op.record)
				if err != nil {
					return fmt.Errorf("entity store: marshal %s: %w", op.id, err)
				}
				// A kind change moves the record between buckets
				if old := locate(tx, op.id); old != nil {
					if err := old.Delete([]byte(op.id)); err != nil {
						return err
					}
				}
				if err := tx.Bucket(groupBucket(op.record.Kind.Group())).Put([]byte(op.id), val); err != nil {
					return err
				}
			case opRemove:
				if b := locate(tx, op.id); b != nil {
					if err := b.Delete([]byte(op.id)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (s *BoltEntityStore) FindEntitiesByType(group interfaces.EntityGroup) (interfaces.RecordCursor, error) {
	var records []*interfaces.EntityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(groupBucket(group))
		if b == nil {
			return fmt.Errorf("entity store: unknown group %s", group)
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("entity store: unmarshal %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return newSliceCursor(records), nil
}

func (s *BoltEntityStore) GetEntity(id string) (*interfaces.EntityRecord, error) {
	var rec *interfaces.EntityRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := locate(tx, id)
		if b == nil {
			return interfaces.ErrEntityNotFound
		}
		var err error
		rec, err = decodeRecord(b.Get([]byte(id)))
		return err
	})

	return rec, err
}

func (s *BoltEntityStore) NextTick() (uint64, error) {
	var tick uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		tick, err = tx.Bucket(bucketMeta).NextSequence()
		return err
	})
	return tick, err
}

func (s *BoltEntityStore) FileBased() bool { return true }

func (s *BoltEntityStore) Close() error {
	return s.db.Close()
}
