package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/maxpert/msgengine/config"
	"github.com/maxpert/msgengine/interfaces"
)

// StorageFactory creates entity stores based on configuration
type StorageFactory struct {
	config config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: cfg}
}

// CreateEntityStore opens the configured backend
func (f *StorageFactory) CreateEntityStore() (interfaces.EntityStore, error) {
	path := f.config.Path

	switch f.config.Backend {
	case config.BackendMemory:
		return NewMemoryEntityStore(), nil

	case config.BackendBadger:
		return NewBadgerEntityStore(filepath.Join(path, "entities"), f.config.SyncWrites)

	case config.BackendBolt:
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return NewBoltEntityStore(filepath.Join(path, "entities.db"), f.config.SyncWrites)

	case config.BackendFile:
		return NewFileEntityStore(path, f.config.SyncWrites)

	default:
		return nil, fmt.Errorf("unsupported entity store backend: %s", f.config.Backend)
	}
}
