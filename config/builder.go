package config

import (
	"time"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *EngineConfig
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *EngineConfig) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	return builder
}

// Engine Configuration

// WithEngine sets the engine name, broker id and bus
func (b *ConfigBuilder) WithEngine(name, brokerID, bus string) *ConfigBuilder {
	b.config.Engine.Name = name
	b.config.Engine.BrokerID = brokerID
	b.config.Engine.Bus = bus
	return b
}

// WithBrokerID sets the local broker id
func (b *ConfigBuilder) WithBrokerID(brokerID string) *ConfigBuilder {
	b.config.Engine.BrokerID = brokerID
	return b
}

// WithBus sets the local bus
func (b *ConfigBuilder) WithBus(bus string) *ConfigBuilder {
	b.config.Engine.Bus = bus
	return b
}

// Storage Configuration

// WithMemoryStorage configures in-memory storage
func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = BackendMemory
	b.config.Storage.Path = ""
	return b
}

// WithBBoltStorage configures BBolt storage
func (b *ConfigBuilder) WithBBoltStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = BackendBolt
	b.config.Storage.Path = path
	return b
}

// WithBadgerStorage configures Badger storage
func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = BackendBadger
	b.config.Storage.Path = path
	return b
}

// WithFileStorage configures the CBOR file store
func (b *ConfigBuilder) WithFileStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = BackendFile
	b.config.Storage.Path = path
	return b
}

// WithSyncWrites enables/disables synchronous writes
func (b *ConfigBuilder) WithSyncWrites(enabled bool) *ConfigBuilder {
	b.config.Storage.SyncWrites = enabled
	return b
}

// Destination Manager Configuration

// WithReconstitutionThreads bounds the warm-start worker pool
func (b *ConfigBuilder) WithReconstitutionThreads(n int) *ConfigBuilder {
	b.config.Destinations.ReconstitutionThreads = n
	return b
}

// WithStaleDeleteWait sets how long a create waits for a pending delete
func (b *ConfigBuilder) WithStaleDeleteWait(wait time.Duration) *ConfigBuilder {
	b.config.Destinations.StaleDeleteWait = wait
	return b
}

// WithDeletion tunes the asynchronous deletion worker
func (b *ConfigBuilder) WithDeletion(batchSize int, sweepInterval time.Duration) *ConfigBuilder {
	b.config.Destinations.DeletionBatchSize = batchSize
	b.config.Destinations.DeletionSweepInterval = sweepInterval
	return b
}

// WithLockOrderCheck enables the debug lock-order checker
func (b *ConfigBuilder) WithLockOrderCheck(enabled bool) *ConfigBuilder {
	b.config.Destinations.CheckLockOrder = enabled
	return b
}

// WithDefinitionsFile sets the administrative definitions file
func (b *ConfigBuilder) WithDefinitionsFile(path string) *ConfigBuilder {
	b.config.Admin.DefinitionsFile = path
	return b
}

// WithLogging sets logging configuration
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Logging.Level = level
	b.config.Logging.File = logFile
	return b
}

// WithMetrics enables the Prometheus endpoint
func (b *ConfigBuilder) WithMetrics(port int, namespace string) *ConfigBuilder {
	b.config.Metrics.Enabled = true
	b.config.Metrics.Port = port
	if namespace != "" {
		b.config.Metrics.Namespace = namespace
	}
	return b
}

// Build validates and returns the final configuration
func (b *ConfigBuilder) Build() (*EngineConfig, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configuration without validation
func (b *ConfigBuilder) BuildUnsafe() *EngineConfig {
	return b.config
}
