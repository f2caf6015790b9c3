package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/maxpert/msgengine/interfaces"
)

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opRemove
)

// stagedOp is one buffered mutation of a transaction
type stagedOp struct {
	kind   opKind
	record *interfaces.EntityRecord
	id     string
}

// stagedTx buffers mutations until Commit and hands them to the backend in
// one batch. Every backend shares it; only apply differs.
type stagedTx struct {
	id    string
	mu    sync.Mutex
	ops   []stagedOp
	done  bool
	apply func(ops []stagedOp) error
}

func newStagedTx(apply func(ops []stagedOp) error) *stagedTx {
	return &stagedTx{
		id:    ulid.Make().String(),
		apply: apply,
	}
}

func (tx *stagedTx) ID() string { return tx.id }

func (tx *stagedTx) stage(op stagedOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return interfaces.ErrTxClosed
	}
	tx.ops = append(tx.ops, op)
	return nil
}

func (tx *stagedTx) Add(record *interfaces.EntityRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("cannot add record without id")
	}
	return tx.stage(stagedOp{kind: opAdd, record: record.Clone(), id: record.ID})
}

func (tx *stagedTx) Update(record *interfaces.EntityRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("cannot update record without id")
	}
	return tx.stage(stagedOp{kind: opUpdate, record: record.Clone(), id: record.ID})
}

func (tx *stagedTx) Remove(id string) error {
	return tx.stage(stagedOp{kind: opRemove, id: id})
}

func (tx *stagedTx) Commit() error {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return interfaces.ErrTxClosed
	}
	tx.done = true
	ops := tx.ops
	tx.ops = nil
	tx.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	return tx.apply(ops)
}

func (tx *stagedTx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return interfaces.ErrTxClosed
	}
	tx.done = true
	tx.ops = nil
	return nil
}

// validateOps checks a batch against the current contents before any of it
// is applied, so a batch either applies whole or not at all
func validateOps(ops []stagedOp, exists func(id string) (bool, error)) error {
	present := make(map[string]bool)
	for _, op := range ops {
		was, seen := present[op.id]
		if !seen {
			var err error
			was, err = exists(op.id)
			if err != nil {
				return err
			}
		}
		switch op.kind {
		case opAdd:
			if was {
				return fmt.Errorf("%w: %s", interfaces.ErrEntityExists, op.id)
			}
			present[op.id] = true
		case opUpdate:
			if !was {
				return fmt.Errorf("%w: %s", interfaces.ErrEntityNotFound, op.id)
			}
			present[op.id] = true
		case opRemove:
			if !was {
				return fmt.Errorf("%w: %s", interfaces.ErrEntityNotFound, op.id)
			}
			present[op.id] = false
		}
	}
	return nil
}

// sliceCursor is a snapshot cursor over records ordered by creation tick
type sliceCursor struct {
	records []*interfaces.EntityRecord
	pos     int
}

func newSliceCursor(records []*interfaces.EntityRecord) *sliceCursor {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedTick != records[j].CreatedTick {
			return records[i].CreatedTick < records[j].CreatedTick
		}
		return records[i].ID < records[j].ID
	})
	return &sliceCursor{records: records}
}

func (c *sliceCursor) Next() (*interfaces.EntityRecord, bool) {
	if c.pos >= len(c.records) {
		return nil, false
	}
	rec := c.records[c.pos]
	c.pos++
	return rec.Clone(), true
}

func (c *sliceCursor) Reset() { c.pos = 0 }

func (c *sliceCursor) Len() int { return len(c.records) }

// CountRecords scans every group of a store
func CountRecords(store interfaces.EntityStore) (interfaces.StorageStats, error) {
	var stats interfaces.StorageStats
	for _, group := range interfaces.Groups {
		cursor, err := store.FindEntitiesByType(group)
		if err != nil {
			return stats, err
		}
		switch group {
		case interfaces.GroupDestinations:
			stats.Destinations = cursor.Len()
		case interfaces.GroupLinks:
			stats.Links = cursor.Len()
		case interfaces.GroupMQLinks:
			stats.MQLinks = cursor.Len()
		}
	}
	return stats, nil
}
