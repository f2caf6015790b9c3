package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"


	"github.com/maxpert/msgengine/interfaces"
)

const (
	EntitiesDir       = "entities"
	TickFile          = "tick" + FileExtension
	FileExtension     = ".cbor"
	TempFileExtension = ".tmp"
)

// FileEntityStore keeps one CBOR file per record under
// <dir>/entities/<group>/<id>.cbor. The whole store is cached in memory on
// open, so reads never touch disk.
type FileEntityStore struct {
	baseDir    string
	syncWrites bool
	mutex      sync.RWMutex
	cache      map[string]*interfaces.EntityRecord
	tick       uint64
	closed     bool
}

// NewFileEntityStore opens (or creates) a file store rooted at dataDir
func NewFileEntityStore(dataDir string, syncWrites bool) (*FileEntityStore, error) {
	store := &FileEntityStore{
		baseDir:    dataDir,
		syncWrites: syncWrites,
		cache:      make(map[string]*interfaces.EntityRecord),
	}

	for _, group := range interfaces.Groups {
		dir := store.groupDir(group)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create entity directory %s: %w", dir, err)
		}
	}

	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

func (fs *FileEntityStore) groupDir(group interfaces.EntityGroup) string {
	return filepath.Join(fs.baseDir, EntitiesDir, group.String())
}

func (fs *FileEntityStore) recordPath(rec *interfaces.EntityRecord) string {
	return filepath.Join(fs.groupDir(rec.Kind.Group()), rec.ID+FileExtension)
}

// loadFromDisk populates the cache and the tick on startup
func (fs *FileEntityStore) loadFromDisk() error {
	for _, group := range interfaces.Groups {
		entries, err := os.ReadDir(fs.groupDir(group))
		if err != nil {
			return fmt.Errorf("failed to read entity directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), FileExtension) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(fs.groupDir(group), entry.Name()))
			if err != nil {
				return fmt.Errorf("failed to read entity file %s: %w", entry.Name(), err)
			}
			rec, err := decodeRecord(data)
			if err != nil {
				return fmt.Errorf("failed to unmarshal entity file %s: %w", entry.Name(), err)
			}
			fs.cache[rec.ID] = rec
		}
	}

	data, err := os.ReadFile(filepath.Join(fs.baseDir, TickFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read tick file: %w", err)
	}
	if fs.tick, err = decodeTick(data); err != nil {
		return fmt.Errorf("failed to unmarshal tick file: %w", err)
	}
	return nil
}

// atomicWrite writes data to a file atomically using temp file + rename
func (fs *FileEntityStore) atomicWrite(path string, data []byte) error {
	tempPath := path + TempFileExtension
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if fs.syncWrites {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up on failure
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (fs *FileEntityStore) Begin() (interfaces.StoreTx, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	if fs.closed {
		return nil, interfaces.ErrStoreClosed
	}
	return newStagedTx(fs.apply), nil
}

func (fs *FileEntityStore) apply(ops []stagedOp) error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.closed {
		return interfaces.ErrStoreClosed
	}

	err := validateOps(ops, func(id string) (bool, error) {
		_, ok := fs.cache[id]
		return ok, nil
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
			if old, ok := fs.cache[op.id]; ok && old.Kind.Group() != op.record.Kind.Group() {
				os.Remove(fs.recordPath(old))
			}
			if err := fs.atomicWrite(fs.recordPath(op.record), data); err != nil {
				return err
			}
			fs.cache[op.id] = op.record
		case opRemove:
			old := fs.cache[op.id]
			if err := os.Remove(fs.recordPath(old)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete entity file: %w", err)
			}
			delete(fs.cache, op.id)
		}
	}
	return nil
}

func (fs *FileEntityStore) FindEntitiesByType(group interfaces.EntityGroup) (interfaces.RecordCursor, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	if fs.closed {
		return nil, interfaces.ErrStoreClosed
	}

	var records []*interfaces.EntityRecord
	for _, rec := range fs.cache {
		if rec.Kind.Group() == group {
			records = append(records, rec.Clone())
		}
	}
	return newSliceCursor(records), nil
}

func (fs *FileEntityStore) GetEntity(id string) (*interfaces.EntityRecord, error) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	if fs.closed {
		return nil, interfaces.ErrStoreClosed
	}
	rec, ok := fs.cache[id]
	if !ok {
		return nil, interfaces.ErrEntityNotFound
	}
	return rec.Clone(), nil
}

func (fs *FileEntityStore) NextTick() (uint64, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	if fs.closed {
		return 0, interfaces.ErrStoreClosed
	}

	next := fs.tick + 1
	data, err := encodeTick(next)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := fs.atomicWrite(filepath.Join(fs.baseDir, TickFile), data); err != nil {
		return 0, err
	}
	fs.tick = next
	return next, nil
}

func (fs *FileEntityStore) FileBased() bool { return true }

func (fs *FileEntityStore) Close() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.closed = true
	return nil
}
