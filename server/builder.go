package server

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/maxpert/msgengine/config"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/metrics"
)

// EngineBuilder provides a fluent API for building messaging engines
type EngineBuilder struct {
	config     *config.EngineConfig
	logger     *zap.Logger
	registry   *prometheus.Registry
	store      interfaces.EntityStore
	provider   interfaces.ConfigProvider
	selector   interfaces.TopologySelector
	bridge     interfaces.BridgeManager
	advertiser interfaces.RoutingAdvertiser
}

// NewEngineBuilder creates a builder with the default configuration
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{config: config.DefaultConfig()}
}

// NewEngineBuilderWithConfig creates a builder with the given configuration
func NewEngineBuilderWithConfig(cfg *config.EngineConfig) *EngineBuilder {
	return &EngineBuilder{config: cfg}
}

// WithConfig sets the engine configuration
func (b *EngineBuilder) WithConfig(cfg *config.EngineConfig) *EngineBuilder {
	b.config = cfg
	return b
}

// WithEngine sets the engine name, broker id and bus
func (b *EngineBuilder) WithEngine(name, brokerID, bus string) *EngineBuilder {
	b.config.Engine.Name = name
	b.config.Engine.BrokerID = brokerID
	b.config.Engine.Bus = bus
	return b
}

// WithLogger sets the logger
func (b *EngineBuilder) WithLogger(logger *zap.Logger) *EngineBuilder {
	b.logger = logger
	return b
}

// WithZapLogger creates a logger at the given level
func (b *EngineBuilder) WithZapLogger(level string) *EngineBuilder {
	logger, err := createZapLogger(level, "")
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	b.logger = logger
	return b
}

// WithRegistry records metrics into reg instead of a private registry
func (b *EngineBuilder) WithRegistry(reg *prometheus.Registry) *EngineBuilder {
	b.registry = reg
	return b
}

// WithStore uses an already opened entity store. The caller keeps
// ownership and closes it.
func (b *EngineBuilder) WithStore(store interfaces.EntityStore) *EngineBuilder {
	b.store = store
	return b
}

// WithMemoryStorage uses the in-memory entity store
func (b *EngineBuilder) WithMemoryStorage() *EngineBuilder {
	b.config.Storage.Backend = config.BackendMemory
	b.config.Storage.Path = ""
	return b
}

// WithBBoltStorage uses a bbolt entity store under path
func (b *EngineBuilder) WithBBoltStorage(path string) *EngineBuilder {
	b.config.Storage.Backend = config.BackendBolt
	b.config.Storage.Path = path
	return b
}

// WithBadgerStorage uses a badger entity store under path
func (b *EngineBuilder) WithBadgerStorage(path string) *EngineBuilder {
	b.config.Storage.Backend = config.BackendBadger
	b.config.Storage.Path = path
	return b
}

// WithConfigProvider sets the administrative configuration provider
func (b *EngineBuilder) WithConfigProvider(p interfaces.ConfigProvider) *EngineBuilder {
	b.provider = p
	return b
}

// WithDefinitionsFile loads administrative definitions from a YAML file
func (b *EngineBuilder) WithDefinitionsFile(path string) *EngineBuilder {
	b.config.Admin.DefinitionsFile = path
	return b
}

// WithTopologySelector sets the link route selector
func (b *EngineBuilder) WithTopologySelector(s interfaces.TopologySelector) *EngineBuilder {
	b.selector = s
	return b
}

// WithBridge sets the protocol-bridge manager for MQ links
func (b *EngineBuilder) WithBridge(bridge interfaces.BridgeManager) *EngineBuilder {
	b.bridge = bridge
	return b
}

// WithAdvertiser sets the routing advertiser for local queue points
func (b *EngineBuilder) WithAdvertiser(a interfaces.RoutingAdvertiser) *EngineBuilder {
	b.advertiser = a
	return b
}

// WithMetrics enables the metrics endpoint on port
func (b *EngineBuilder) WithMetrics(port int) *EngineBuilder {
	b.config.Metrics.Enabled = true
	b.config.Metrics.Port = port
	return b
}

// Build validates the configuration and constructs the engine
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := b.logger
	if logger == nil {
		var err error
		logger, err = createZapLogger(b.config.Logging.Level, b.config.Logging.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	return b.build(logger), nil
}

// BuildUnsafe constructs the engine without validation
func (b *EngineBuilder) BuildUnsafe() *Engine {
	logger := b.logger
	if logger == nil {
		var err error
		logger, err = createZapLogger(b.config.Logging.Level, b.config.Logging.File)
		if err != nil {
			logger = zap.NewNop()
		}
	}
	return b.build(logger)
}

func (b *EngineBuilder) build(logger *zap.Logger) *Engine {
	registry := b.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &Engine{
		config:     b.config,
		logger:     logger.With(zap.String("engine", b.config.Engine.Name)),
		registry:   registry,
		metrics:    metrics.NewCollector(b.config.Metrics.Namespace, registry),
		store:      b.store,
		provider:   b.provider,
		selector:   b.selector,
		bridge:     b.bridge,
		advertiser: b.advertiser,
	}
}

func parseZapLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

func createZapLogger(level, logFile string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if strings.ToLower(level) == "debug" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = parseZapLevel(level)
	}

	if logFile != "" {
		zapConfig.OutputPaths = []string{logFile}
	}
	return zapConfig.Build()
}
