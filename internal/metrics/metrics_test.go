package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tls-chameleon/internal/controller"
	"github.com/tls-chameleon/internal/types"
)

func TestObserverCounts(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.ObserveAttempt(types.AttemptRecord{Verdict: types.VerdictBlocked, Profile: "chrome_124", Delay: time.Second, Elapsed: time.Millisecond})
	c.ObserveAttempt(types.AttemptRecord{Verdict: types.VerdictOK, Profile: "firefox_120"})
	c.ObserveOutcome(&controller.Result{Outcome: controller.OutcomeSuccess, Rotations: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("blocked", "chrome_124")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("ok", "firefox_120")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rotationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(c.backoffDelay))
}

func TestGauges(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.SetProxyHealth(map[types.HealthState]int{types.HealthHealthy: 3, types.HealthDead: 1})
	c.SetOpenSessions(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.proxiesByHealth.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.proxiesByHealth.WithLabelValues("dead")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.openSessions))
}

func TestCollectorsOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector("dup", prometheus.NewRegistry())
		NewCollector("dup", prometheus.NewRegistry())
	})
	assert.Panics(t, func() {
		reg := prometheus.NewRegistry()
		NewCollector("dup", reg)
		NewCollector("dup", reg)
	})
}

func TestChecksAndAPI(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())
	c.RecordCheckSuccess()
	c.RecordCheckFailure()
	c.RecordCheckFailure()
	c.RecordCheckDuration(0.2)
	c.RecordProxiesScraped("src", 5)
	c.RecordAPIRequest("GET", "/health", "200")
	c.RecordAPIDuration("GET", "/health", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.checksTotal.WithLabelValues("failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.proxiesScraped.WithLabelValues("src")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.apiRequests.WithLabelValues("GET", "/health", "200")))
}
