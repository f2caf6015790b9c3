package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxpert/msgengine/interfaces"
)

// Reconciliation outcomes
const (
	OutcomeUpdated  = "updated"
	OutcomeDeleted  = "deleted"
	OutcomeIndoubt  = "indoubt"
	OutcomeCorrupt  = "corrupt"
	OutcomeDeferred = "deferred"
)

// Collector holds all Prometheus metrics for the messaging engine. Every
// method is safe to call on a nil *Collector, which records nothing.
type Collector struct {
	// Registry metrics
	DestinationsTotal   *prometheus.GaugeVec
	DestinationsCreated *prometheus.CounterVec
	DestinationsDeleted *prometheus.CounterVec

	// Lifecycle metrics
	ReconciliationOutcomes *prometheus.CounterVec
	ReconstitutionDuration *prometheus.HistogramVec
	ReconstitutionFailures prometheus.Counter

	// Deletion worker metrics
	DeletionSweeps  prometheus.Counter
	DeletionRemoved prometheus.Counter

	// Transaction metrics
	Transactions *prometheus.CounterVec

	// Engine metrics
	EngineUptime prometheus.Gauge
}

// NewCollector creates a collector registered with reg. A nil reg uses the
// default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "msgengine"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		DestinationsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destinations",
			Help:      "Current number of registered entities by kind",
		}, []string{"kind"}),
		DestinationsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destinations_created_total",
			Help:      "Total number of entities created since engine start",
		}, []string{"kind"}),
		DestinationsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destinations_deleted_total",
			Help:      "Total number of entities physically removed since engine start",
		}, []string{"kind"}),

		ReconciliationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_outcomes_total",
			Help:      "Outcome of reconciling persisted entities against configuration",
		}, []string{"outcome"}),
		ReconstitutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstitution_duration_seconds",
			Help:      "Time taken to rebuild each entity group at startup",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),
		ReconstitutionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstitution_failures_total",
			Help:      "Persisted entities that could not be rebuilt",
		}),

		DeletionSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletion_sweeps_total",
			Help:      "Sweeps performed by the asynchronous deletion worker",
		}),
		DeletionRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletion_removed_total",
			Help:      "Entities removed by the asynchronous deletion worker",
		}),

		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Finished store transactions by kind and outcome",
		}, []string{"kind", "outcome"}),

		EngineUptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_uptime_seconds",
			Help:      "Engine uptime in seconds",
		}),
	}
}

// RecordCreated records a newly registered entity
func (c *Collector) RecordCreated(kind interfaces.Kind) {
	if c == nil {
		return
	}
	c.DestinationsCreated.WithLabelValues(kind.String()).Inc()
	c.DestinationsTotal.WithLabelValues(kind.String()).Inc()
}

// RecordRegistered records an entity rebuilt from the store
func (c *Collector) RecordRegistered(kind interfaces.Kind) {
	if c == nil {
		return
	}
	c.DestinationsTotal.WithLabelValues(kind.String()).Inc()
}

// RecordDeleted records a physically removed entity
func (c *Collector) RecordDeleted(kind interfaces.Kind) {
	if c == nil {
		return
	}
	c.DestinationsDeleted.WithLabelValues(kind.String()).Inc()
	c.DestinationsTotal.WithLabelValues(kind.String()).Dec()
}

// RecordReconciliation counts a reconciliation outcome
func (c *Collector) RecordReconciliation(outcome string) {
	if c == nil {
		return
	}
	c.ReconciliationOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveReconstitution records how long a group took to rebuild
func (c *Collector) ObserveReconstitution(group interfaces.EntityGroup, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ReconstitutionDuration.WithLabelValues(group.String()).Observe(elapsed.Seconds())
}

// RecordReconstitutionFailure counts a record that could not be rebuilt
func (c *Collector) RecordReconstitutionFailure() {
	if c == nil {
		return
	}
	c.ReconstitutionFailures.Inc()
}

// RecordDeletionSweep records one pass of the deletion worker
func (c *Collector) RecordDeletionSweep(removed int) {
	if c == nil {
		return
	}
	c.DeletionSweeps.Inc()
	c.DeletionRemoved.Add(float64(removed))
}

// ObserveTransaction counts a finished transaction
func (c *Collector) ObserveTransaction(kind interfaces.TransactionKind, committed bool) {
	if c == nil {
		return
	}
	outcome := "rolled_back"
	if committed {
		outcome = "committed"
	}
	c.Transactions.WithLabelValues(kind.String(), outcome).Inc()
}

// UpdateEngineUptime records the engine uptime
func (c *Collector) UpdateEngineUptime(seconds float64) {
	if c == nil {
		return
	}
	c.EngineUptime.Set(seconds)
}
