// Package index keeps the entity registry: lookup by name and by unique id,
// plus a derived classification per entity held as roaring bitmaps so that
// filtered scans are a handful of bitmap intersections.
package index

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

type entry struct {
	handler *handler.Handler
	key     string
	class   handler.Classification
}

// Index maps names and unique ids to handlers. Mutations are expected to be
// made under the destination manager's lock; the internal RWMutex only keeps
// the maps and bitmaps consistent for concurrent readers.
type Index struct {
	name string

	mu       sync.RWMutex
	slots    map[uint32]*entry
	byKey    map[string]uint32
	byID     map[string]uint32
	nextSlot uint32

	all    *roaring.Bitmap
	flags  [numFlags]*roaring.Bitmap
	states map[handler.State]*roaring.Bitmap
}

// New creates an empty index
func New(name string) *Index {
	idx := &Index{
		name:   name,
		slots:  make(map[uint32]*entry),
		byKey:  make(map[string]uint32),
		byID:   make(map[string]uint32),
		all:    roaring.New(),
		states: make(map[handler.State]*roaring.Bitmap, len(handler.AllStates)),
	}
	for i := range idx.flags {
		idx.flags[i] = roaring.New()
	}
	for _, s := range handler.AllStates {
		idx.states[s] = roaring.New()
	}
	return idx
}

// Name returns the index name, used in logs
func (idx *Index) Name() string { return idx.name }

func keyOf(name, bus string) string {
	return interfaces.DestinationAddress{Name: name, Bus: bus}.String()
}

// Put inserts a handler. It fails when another live handler already holds
// the name or when the unique id is taken. A name held by a handler marked
// to-be-deleted passes to h; a to-be-deleted h that finds its name taken is
// registered by id only.
func (idx *Index) Put(h *handler.Handler) error {
	key := keyOf(h.Name(), h.Bus())
	class := h.Classify()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if slot, ok := idx.byID[h.ID()]; ok {
		if idx.slots[slot].handler != h {
			return engerrors.NewDestinationAlreadyExists(h.Name(), h.Bus(), "index.put")
		}
		idx.setClass(slot, class)
		return nil
	}

	named := true
	if slot, ok := idx.byKey[key]; ok {
		switch holder := idx.slots[slot]; {
		case holder.class.ToBeDeleted && !class.ToBeDeleted:
			// displaced below
		case class.ToBeDeleted:
			named = false
		default:
			return engerrors.NewDestinationAlreadyExists(h.Name(), h.Bus(), "index.put")
		}
	}

	slot := idx.nextSlot
	idx.nextSlot++
	idx.slots[slot] = &entry{handler: h, key: key}
	if named {
		idx.byKey[key] = slot
	}
	idx.byID[h.ID()] = slot
	idx.all.Add(slot)
	idx.setClass(slot, class)
	return nil
}

// Remove deletes a handler by unique id. It reports whether it was present.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.byID[id]
	if !ok {
		return false
	}
	e := idx.slots[slot]
	idx.clearClass(slot, e.class)
	idx.all.Remove(slot)
	delete(idx.slots, slot)
	delete(idx.byID, id)
	if idx.byKey[e.key] == slot {
		delete(idx.byKey, e.key)
	}
	return true
}

// ReleaseName frees the name held by id while keeping the entry reachable
// by id and by filter. Used when a stale entity still awaiting cleanup must
// give way to a new entity of the same name.
func (idx *Index) ReleaseName(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	slot, ok := idx.byID[id]
	if !ok {
		return
	}
	if key := idx.slots[slot].key; idx.byKey[key] == slot {
		delete(idx.byKey, key)
	}
}

// Refresh recomputes the derived classification of a handler after its
// fields changed. It is a no-op for handlers not in the index.
func (idx *Index) Refresh(h *handler.Handler) {
	class := h.Classify()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if slot, ok := idx.byID[h.ID()]; ok && idx.slots[slot].handler == h {
		idx.setClass(slot, class)
	}
}

func (idx *Index) setClass(slot uint32, class handler.Classification) {
	e := idx.slots[slot]
	idx.clearClass(slot, e.class)
	for f, set := range flagsOf(class) {
		if set {
			idx.flags[f].Add(slot)
		}
	}
	idx.states[class.State].Add(slot)
	e.class = class
}

func (idx *Index) clearClass(slot uint32, class handler.Classification) {
	for f := range idx.flags {
		idx.flags[f].Remove(slot)
	}
	if bm, ok := idx.states[class.State]; ok {
		bm.Remove(slot)
	}
}

// FindByName returns the handler registered under name on bus
func (idx *Index) FindByName(name, bus string) (*handler.Handler, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	slot, ok := idx.byKey[keyOf(name, bus)]
	if !ok {
		return nil, false
	}
	return idx.slots[slot].handler, true
}

// FindByID returns the handler with the given unique id
func (idx *Index) FindByID(id string) (*handler.Handler, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	slot, ok := idx.byID[id]
	if !ok {
		return nil, false
	}
	return idx.slots[slot].handler, true
}

// Classification returns the classification last recorded for id
func (idx *Index) Classification(id string) (handler.Classification, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	slot, ok := idx.byID[id]
	if !ok {
		return handler.Classification{}, false
	}
	return idx.slots[slot].class, true
}

// Size returns the number of registered handlers
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.slots)
}

// Count returns the number of handlers matching the filter
func (idx *Index) Count(f Filter) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.match(f).GetCardinality())
}

// Iterate returns a snapshot cursor over the handlers matching the filter,
// in insertion order.
func (idx *Index) Iterate(f Filter) *Cursor {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bm := idx.match(f)
	handlers := make([]*handler.Handler, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		handlers = append(handlers, idx.slots[it.Next()].handler)
	}
	return &Cursor{handlers: handlers}
}

func (idx *Index) match(f Filter) *roaring.Bitmap {
	result := idx.all.Clone()
	for _, fl := range f.require {
		result.And(idx.flags[fl])
	}
	for _, fl := range f.exclude {
		result.AndNot(idx.flags[fl])
	}
	if len(f.states) > 0 {
		inState := roaring.New()
		for _, s := range f.states {
			if bm, ok := idx.states[s]; ok {
				inState.Or(bm)
			}
		}
		result.And(inState)
	}
	return result
}

// Cursor is a finite, restartable snapshot of matching handlers
type Cursor struct {
	handlers []*handler.Handler
	pos      int
}

// Next returns the next handler, or false once the snapshot is exhausted
func (c *Cursor) Next() (*handler.Handler, bool) {
	if c.pos >= len(c.handlers) {
		return nil, false
	}
	h := c.handlers[c.pos]
	c.pos++
	return h, true
}

// Reset rewinds the cursor
func (c *Cursor) Reset() { c.pos = 0 }

// Len returns the size of the snapshot
func (c *Cursor) Len() int { return len(c.handlers) }

// All drains the remaining handlers into a slice
func (c *Cursor) All() []*handler.Handler {
	out := append([]*handler.Handler(nil), c.handlers[c.pos:]...)
	c.pos = len(c.handlers)
	return out
}
