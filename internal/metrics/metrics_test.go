package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salvo/internal/clock"
	"salvo/internal/domain"
)

func TestObserveBatch(t *testing.T) {
	c := NewCollector()
	item := domain.TargetItem{ID: "COSE101"}
	c.ObserveBatch(domain.BatchResult{Item: item, Attempts: []domain.AttemptRecord{
		{Item: item, Outcome: domain.OutcomeSuccess, Latency: 40 * time.Millisecond},
		{Item: item, Outcome: domain.OutcomeOverloaded, Latency: 90 * time.Millisecond},
		{Item: item, Outcome: domain.OutcomeTransportError},
	}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("COSE101", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("COSE101", "overloaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("COSE101", "transport_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.batchSize))
	assert.Equal(t, 1, testutil.CollectAndCount(c.latency, "salvo_attempt_latency_seconds"))
}

func TestObserveState(t *testing.T) {
	c := NewCollector()
	c.ObserveState(domain.StateWaiting)
	c.ObserveState(domain.StateFiring)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.armState.WithLabelValues("firing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.armState.WithLabelValues("waiting")))
}

func TestObserveClock(t *testing.T) {
	c := NewCollector()
	c.ObserveClock(clock.Offset{Value: -250 * time.Millisecond, Synced: true})
	assert.Equal(t, -0.25, testutil.ToFloat64(c.clockOffset))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.clockSynced))

	c.ObserveClock(clock.Offset{})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.clockSynced))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveState(domain.StateArmed)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `salvo_arm_state{state="armed"} 1`)
}
