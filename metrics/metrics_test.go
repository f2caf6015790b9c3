package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/msgengine/interfaces"
)

func newTestCollector() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg), reg
}

func TestRegistryMetrics(t *testing.T) {
	c, _ := newTestCollector()

	c.RecordCreated(interfaces.KindQueue)
	c.RecordCreated(interfaces.KindQueue)
	c.RecordRegistered(interfaces.KindLink)
	c.RecordDeleted(interfaces.KindQueue)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.DestinationsCreated.WithLabelValues("QUEUE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DestinationsTotal.WithLabelValues("QUEUE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DestinationsTotal.WithLabelValues("LINK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DestinationsDeleted.WithLabelValues("QUEUE")))
}

func TestLifecycleMetrics(t *testing.T) {
	c, reg := newTestCollector()

	c.RecordReconciliation(OutcomeDeleted)
	c.RecordReconciliation(OutcomeDeleted)
	c.RecordReconciliation(OutcomeIndoubt)
	c.ObserveReconstitution(interfaces.GroupDestinations, 20*time.Millisecond)
	c.RecordReconstitutionFailure()
	c.RecordDeletionSweep(3)
	c.RecordDeletionSweep(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ReconciliationOutcomes.WithLabelValues(OutcomeDeleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReconstitutionFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.DeletionSweeps))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.DeletionRemoved))

	count, err := testutil.GatherAndCount(reg, "test_reconstitution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransactionMetrics(t *testing.T) {
	c, _ := newTestCollector()

	c.ObserveTransaction(interfaces.TransactionLocal, true)
	c.ObserveTransaction(interfaces.TransactionAutoCommit, true)
	c.ObserveTransaction(interfaces.TransactionLocal, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transactions.WithLabelValues("local", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transactions.WithLabelValues("auto_commit", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transactions.WithLabelValues("local", "rolled_back")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordCreated(interfaces.KindQueue)
	c.RecordDeletionSweep(1)
	c.ObserveTransaction(interfaces.TransactionLocal, true)
	c.UpdateEngineUptime(1)
}

func TestServerEndpoints(t *testing.T) {
	c, reg := newTestCollector()
	c.UpdateEngineUptime(42)

	healthy := true
	srv := NewServer(0, reg, func() interfaces.HealthStatus {
		if healthy {
			return interfaces.HealthStatus{Status: "healthy"}
		}
		return interfaces.HealthStatus{Status: "unhealthy", Errors: []string{"store closed"}}
	})
	assert.Equal(t, 9419, srv.Port())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_engine_uptime_seconds 42"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store closed")
}
