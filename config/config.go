package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	engerrors "github.com/maxpert/msgengine/errors"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// MSGENGINE_STORAGE__BACKEND=bbolt
const EnvPrefix = "MSGENGINE_"

// Storage backends
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendBolt   = "bbolt"
	BackendFile   = "file"
)

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Engine: EngineSection{
			Name:     "msgengine",
			BrokerID: "ME1",
			Bus:      "DEFAULT_BUS",
		},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			Path:       "",
			SyncWrites: false,
		},
		Destinations: DestinationsConfig{
			ReconstitutionThreads: 0,
			StaleDeleteWait:       5 * time.Second,
			DeletionBatchSize:     50,
			DeletionSweepInterval: 0,
			CheckLockOrder:        false,
		},
		Admin: AdminConfig{
			DefinitionsFile: "",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9419,
			Namespace: "msgengine",
		},
	}
}

// EngineConfig is the complete messaging engine configuration
type EngineConfig struct {
	Engine       EngineSection      `koanf:"engine" yaml:"engine" json:"engine"`
	Storage      StorageConfig      `koanf:"storage" yaml:"storage" json:"storage"`
	Destinations DestinationsConfig `koanf:"destinations" yaml:"destinations" json:"destinations"`
	Admin        AdminConfig        `koanf:"admin" yaml:"admin" json:"admin"`
	Logging      LoggingConfig      `koanf:"logging" yaml:"logging" json:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics" yaml:"metrics" json:"metrics"`
}

// EngineSection identifies this messaging engine
type EngineSection struct {
	Name     string `koanf:"name" yaml:"name" json:"name"`
	BrokerID string `koanf:"broker_id" yaml:"broker_id" json:"broker_id"`
	Bus      string `koanf:"bus" yaml:"bus" json:"bus"`
}

// StorageConfig selects the entity store backend
type StorageConfig struct {
	Backend    string `koanf:"backend" yaml:"backend" json:"backend"`
	Path       string `koanf:"path" yaml:"path" json:"path"`
	SyncWrites bool   `koanf:"sync_writes" yaml:"sync_writes" json:"sync_writes"`
}

// FileBased reports backends that serialize all access through one file
func (s StorageConfig) FileBased() bool {
	return s.Backend == BackendBolt || s.Backend == BackendFile
}

// DestinationsConfig tunes the destination manager
type DestinationsConfig struct {
	// ReconstitutionThreads bounds the warm-start worker pool. Zero means
	// one per CPU. File-based backends always use one.
	ReconstitutionThreads int `koanf:"reconstitution_threads" yaml:"reconstitution_threads" json:"reconstitution_threads"`

	// StaleDeleteWait bounds how long a create waits for the deletion
	// worker to remove an entity of the same name
	StaleDeleteWait time.Duration `koanf:"stale_delete_wait" yaml:"stale_delete_wait" json:"stale_delete_wait"`

	DeletionBatchSize int `koanf:"deletion_batch_size" yaml:"deletion_batch_size" json:"deletion_batch_size"`

	// DeletionSweepInterval wakes the deletion worker periodically. Zero
	// means it only runs on demand.
	DeletionSweepInterval time.Duration `koanf:"deletion_sweep_interval" yaml:"deletion_sweep_interval" json:"deletion_sweep_interval"`

	CheckLockOrder bool `koanf:"check_lock_order" yaml:"check_lock_order" json:"check_lock_order"`
}

// AdminConfig locates the administrative definitions
type AdminConfig struct {
	DefinitionsFile string `koanf:"definitions_file" yaml:"definitions_file" json:"definitions_file"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level string `koanf:"level" yaml:"level" json:"level"`
	File  string `koanf:"file" yaml:"file" json:"file"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled" yaml:"enabled" json:"enabled"`
	Port      int    `koanf:"port" yaml:"port" json:"port"`
	Namespace string `koanf:"namespace" yaml:"namespace" json:"namespace"`
}

// Load reads configuration from an optional YAML file and then from
// MSGENGINE_ environment variables, on top of the defaults. Nested keys
// are separated by a double underscore in variable names.
func Load(path string) (*EngineConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, engerrors.NewConfigError(fmt.Sprintf("failed to load configuration file %s", path), "", "", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, EnvPrefix)
			key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, engerrors.NewConfigError("failed to load environment configuration", "", "", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, engerrors.NewConfigError("failed to parse configuration", "", "", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true,
}

// Validate validates the configuration
func (c *EngineConfig) Validate() error {
	if c.Engine.BrokerID == "" {
		return engerrors.NewConfigValidationError("engine", "broker_id", "cannot be empty")
	}
	if strings.ContainsAny(c.Engine.BrokerID, "_ ") {
		return engerrors.NewConfigValidationError("engine", "broker_id", "cannot contain underscores or spaces")
	}
	if c.Engine.Bus == "" {
		return engerrors.NewConfigValidationError("engine", "bus", "cannot be empty")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger, BackendBolt, BackendFile:
		if c.Storage.Path == "" {
			return engerrors.NewConfigValidationError("storage", "path",
				fmt.Sprintf("required for backend %s", c.Storage.Backend))
		}
	default:
		return engerrors.NewConfigValidationError("storage", "backend",
			fmt.Sprintf("unsupported backend %q", c.Storage.Backend))
	}

	if c.Destinations.ReconstitutionThreads < 0 {
		return engerrors.NewConfigValidationError("destinations", "reconstitution_threads", "cannot be negative")
	}
	if c.Destinations.DeletionBatchSize <= 0 {
		return engerrors.NewConfigValidationError("destinations", "deletion_batch_size", "must be positive")
	}
	if c.Destinations.StaleDeleteWait < 0 {
		return engerrors.NewConfigValidationError("destinations", "stale_delete_wait", "cannot be negative")
	}
	if c.Destinations.DeletionSweepInterval < 0 {
		return engerrors.NewConfigValidationError("destinations", "deletion_sweep_interval", "cannot be negative")
	}

	if !logLevels[strings.ToLower(c.Logging.Level)] {
		return engerrors.NewConfigValidationError("logging", "level",
			fmt.Sprintf("unknown level %q", c.Logging.Level))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return engerrors.NewConfigValidationError("metrics", "port",
			fmt.Sprintf("invalid port %d", c.Metrics.Port))
	}

	return nil
}

// Save writes the configuration as YAML
func (c *EngineConfig) Save(destination string) error {
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}
