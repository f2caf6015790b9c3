// Package server runs a messaging engine: it opens the entity store, rebuilds
// and reconciles the destination registry, and stops it again.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/maxpert/msgengine/admin"
	"github.com/maxpert/msgengine/broker"
	"github.com/maxpert/msgengine/config"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/metrics"
	"github.com/maxpert/msgengine/storage"
	"github.com/maxpert/msgengine/transaction"
)

const uptimeInterval = 10 * time.Second

// Engine is one messaging engine: a destination manager over an entity
// store, started cold or warm
type Engine struct {
	config *config.EngineConfig
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	// Collaborators supplied by the builder. A nil store is opened from
	// configuration; a nil provider is loaded from the definitions file.
	store      interfaces.EntityStore
	ownsStore  bool
	provider   interfaces.ConfigProvider
	selector   interfaces.TopologySelector
	bridge     interfaces.BridgeManager
	advertiser interfaces.RoutingAdvertiser

	lifecycle lifecycle

	// Set by Start
	mutex         sync.RWMutex
	manager       *broker.DestinationManager
	txm           *transaction.Manager
	metricsServer *metrics.Server
	warm          bool
	reconstituted *broker.ReconstitutionStats
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

var _ interfaces.Engine = (*Engine)(nil)

// RegisterHook registers a lifecycle hook
func (e *Engine) RegisterHook(hook LifecycleHook) {
	e.lifecycle.registerHook(hook)
}

// GetState returns the current lifecycle state
func (e *Engine) GetState() LifecycleState {
	return e.lifecycle.getState()
}

// GetUptime returns how long the engine has been running
func (e *Engine) GetUptime() time.Duration {
	return e.lifecycle.uptime()
}

// GetLastError returns the error that moved the engine to StateError
func (e *Engine) GetLastError() error {
	return e.lifecycle.getLastError()
}

// Config returns the engine configuration
func (e *Engine) Config() *config.EngineConfig {
	return e.config
}

// Manager returns the destination manager, or nil before Start
func (e *Engine) Manager() *broker.DestinationManager {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.manager
}

// Transactions returns the transaction manager, or nil before Start
func (e *Engine) Transactions() *transaction.Manager {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.txm
}

// Reconstitution returns what the last warm start rebuilt, or nil after a
// cold start
func (e *Engine) Reconstitution() *broker.ReconstitutionStats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.reconstituted
}

// Registry returns the Prometheus registry the engine records into
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Start opens the store and brings the registry up. A store holding any
// record is a warm start: its entities are reconstituted and reconciled
// against configuration before the deletion worker is allowed to run.
func (e *Engine) Start(ctx context.Context) error {
	if !e.lifecycle.transition(StateStarting) {
		return fmt.Errorf("cannot start engine in state: %s", e.GetState())
	}

	if err := e.start(ctx); err != nil {
		e.cleanup(context.Background())
		e.lifecycle.setError(err)
		return err
	}

	for _, hook := range e.lifecycle.snapshotHooks() {
		if hook.OnStart == nil {
			continue
		}
		if err := hook.OnStart(ctx, e); err != nil {
			err = fmt.Errorf("start hook '%s' failed: %w", hook.Name, err)
			e.cleanup(context.Background())
			e.lifecycle.setError(err)
			return err
		}
	}

	e.lifecycle.transition(StateRunning)
	e.logger.Info("Messaging engine started",
		zap.String("name", e.config.Engine.Name),
		zap.Bool("warm", e.warm))
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	e.logger.Info("Starting messaging engine",
		zap.String("name", e.config.Engine.Name),
		zap.String("broker_id", e.config.Engine.BrokerID),
		zap.String("bus", e.config.Engine.Bus),
		zap.String("storage", e.config.Storage.Backend))

	store := e.store
	if store == nil {
		opened, err := storage.NewStorageFactory(e.config.Storage).CreateEntityStore()
		if err != nil {
			return fmt.Errorf("open entity store: %w", err)
		}
		store = opened
		e.ownsStore = true
	}

	txm := transaction.NewManager(store, e.logger)
	if e.metrics != nil {
		txm.SetObserver(e.metrics)
	}

	provider, selector, err := e.configProvider()
	if err != nil {
		if e.ownsStore {
			store.Close()
		}
		return err
	}

	counts, err := storage.CountRecords(store)
	if err != nil {
		if e.ownsStore {
			store.Close()
		}
		return fmt.Errorf("scan entity store: %w", err)
	}
	warm := counts.Destinations+counts.Links+counts.MQLinks > 0

	manager, err := broker.NewDestinationManager(e.config, broker.Dependencies{
		Transactions: txm,
		Admin:        provider,
		Selector:     selector,
		Bridge:       e.bridge,
		Advertiser:   e.advertiser,
		Metrics:      e.metrics,
		Logger:       e.logger,
	})
	if err != nil {
		if e.ownsStore {
			store.Close()
		}
		return err
	}

	e.mutex.Lock()
	e.store = store
	e.txm = txm
	e.manager = manager
	e.warm = warm
	e.reconstituted = nil
	e.stopCh = make(chan struct{})
	e.mutex.Unlock()

	if warm {
		e.logger.Info("Warm start",
			zap.Int("destinations", counts.Destinations),
			zap.Int("links", counts.Links),
			zap.Int("mqlinks", counts.MQLinks))

		stats, err := manager.Reconstitute(ctx)
		if err != nil {
			return fmt.Errorf("reconstitution failed: %w", err)
		}
		e.mutex.Lock()
		e.reconstituted = stats
		e.mutex.Unlock()

		if err := manager.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("reconciliation interrupted: %w", err)
			}
			// Inconsistent entities stay in doubt for an administrator
			e.logger.Warn("Reconciliation found inconsistent entities", zap.Error(err))
		}
	} else {
		e.logger.Info("Cold start, entity store is empty")
	}

	if _, err := manager.CreateSystemDestination(broker.TDReceiverPrefix); err != nil {
		return fmt.Errorf("create temporary destination receiver: %w", err)
	}

	manager.AnnounceStarted()

	if e.config.Metrics.Enabled {
		e.startMetricsServer()
	}
	e.wg.Add(1)
	go e.recordUptime()
	return nil
}

// configProvider returns the configuration provider and topology selector.
// A file backed provider doubles as the selector unless one was supplied.
func (e *Engine) configProvider() (interfaces.ConfigProvider, interfaces.TopologySelector, error) {
	provider := e.provider
	if provider == nil {
		var p *admin.Provider
		if path := e.config.Admin.DefinitionsFile; path != "" {
			loaded, err := admin.LoadFile(path, e.config.Engine.Bus)
			if err != nil {
				return nil, nil, fmt.Errorf("load definitions: %w", err)
			}
			p = loaded
			e.logger.Info("Loaded administrative definitions",
				zap.String("path", path),
				zap.String("summary", p.Summary()))
		} else {
			p = admin.NewProvider(e.config.Engine.Bus)
			e.logger.Warn("No definitions file configured, every persisted entity will be cleaned up")
		}
		provider = p
	}

	selector := e.selector
	if selector == nil {
		if s, ok := provider.(interfaces.TopologySelector); ok {
			selector = s
		}
	}
	return provider, selector, nil
}

func (e *Engine) startMetricsServer() {
	srv := metrics.NewServer(e.config.Metrics.Port, e.registry, e.Health)
	e.mutex.Lock()
	e.metricsServer = srv
	e.mutex.Unlock()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	e.logger.Info("Metrics server started", zap.Int("port", srv.Port()))
}

func (e *Engine) recordUptime() {
	defer e.wg.Done()
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()

	e.mutex.RLock()
	stopCh := e.stopCh
	e.mutex.RUnlock()
	for {
		select {
		case <-ticker.C:
			e.metrics.UpdateEngineUptime(e.GetUptime().Seconds())
		case <-stopCh:
			return
		}
	}
}

// Stop runs the stop hooks, stops the deletion worker after its current
// item and closes the store the engine opened
func (e *Engine) Stop(ctx context.Context) error {
	if e.GetState() == StateStopped {
		return nil
	}
	if !e.lifecycle.transition(StateStopping) {
		return fmt.Errorf("cannot stop engine in state: %s", e.GetState())
	}

	hooks := e.lifecycle.snapshotHooks()
	for i := len(hooks) - 1; i >= 0; i-- { // Reverse order for cleanup
		hook := hooks[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(ctx, e); err != nil {
			e.logger.Warn("Stop hook failed", zap.String("hook", hook.Name), zap.Error(err))
			if hook.OnError != nil {
				hook.OnError(fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err))
			}
		}
	}

	err := e.cleanup(ctx)
	e.lifecycle.transition(StateStopped)
	e.logger.Info("Messaging engine stopped", zap.Duration("uptime", e.GetUptime()))
	return err
}

// cleanup releases whatever start acquired
func (e *Engine) cleanup(ctx context.Context) error {
	e.mutex.Lock()
	manager := e.manager
	srv := e.metricsServer
	stopCh := e.stopCh
	store := e.store
	owns := e.ownsStore
	e.metricsServer = nil
	e.stopCh = nil
	if owns {
		e.store = nil
		e.ownsStore = false
	}
	e.mutex.Unlock()

	var errs []error
	if stopCh != nil {
		close(stopCh)
	}
	e.wg.Wait()

	if manager != nil {
		manager.Close()
	}
	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if owns && store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close entity store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health returns the engine health status
func (e *Engine) Health() interfaces.HealthStatus {
	status := interfaces.HealthStatus{
		Uptime:    e.GetUptime(),
		Timestamp: time.Now(),
	}

	switch e.GetState() {
	case StateRunning:
		status.Status = "healthy"
		if m := e.Manager(); m != nil {
			stats := m.Stats()
			if stats.Corrupt > 0 {
				status.Warnings = append(status.Warnings, fmt.Sprintf("%d corrupt entities", stats.Corrupt))
			}
			if state := m.DeletionWorkerState(); state == "STOPPED" {
				status.Warnings = append(status.Warnings, "asynchronous deletion is stopped")
			}
		}
	case StateStarting:
		status.Status = "starting"
	case StateStopping:
		status.Status = "stopping"
	case StateStopped:
		status.Status = "stopped"
	case StateError:
		status.Status = "unhealthy"
		if err := e.GetLastError(); err != nil {
			status.Errors = []string{err.Error()}
		}
	default:
		status.Status = "unknown"
		status.Warnings = []string{"unknown engine state"}
	}
	return status
}

// GetStats returns registry statistics
func (e *Engine) GetStats() *interfaces.EngineStats {
	stats := &interfaces.EngineStats{}
	if m := e.Manager(); m != nil {
		*stats = m.Stats()
	}
	e.mutex.RLock()
	stats.WarmStarted = e.warm
	e.mutex.RUnlock()
	stats.Uptime = e.GetUptime()
	return stats
}
