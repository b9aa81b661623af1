package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salvo/internal/clock"
	"salvo/internal/domain"
)

var states = []domain.ArmState{
	domain.StateIdle, domain.StateWaiting, domain.StateArmed, domain.StateFiring, domain.StateStopped,
}

// Collector exports burst progress. It satisfies scheduler.Observer.
type Collector struct {
	reg *prometheus.Registry

	attempts    *prometheus.CounterVec
	latency     prometheus.Histogram
	batches     prometheus.Counter
	batchSize   prometheus.Gauge
	armState    *prometheus.GaugeVec
	clockOffset prometheus.Gauge
	clockSynced prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "salvo_attempts_total",
			Help: "Attempts dispatched, by item and outcome",
		}, []string{"item", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "salvo_attempt_latency_seconds",
			Help:    "Round-trip latency of attempts that reached the server",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "salvo_batches_total",
			Help: "Concurrent waves completed",
		}),
		batchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salvo_batch_size",
			Help: "Attempts in the most recent wave",
		}),
		armState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "salvo_arm_state",
			Help: "1 for the scheduler's current state",
		}, []string{"state"}),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salvo_clock_offset_seconds",
			Help: "Trusted time minus local time",
		}),
		clockSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "salvo_clock_synced",
			Help: "1 when the last time source query succeeded",
		}),
	}
	c.reg.MustRegister(c.attempts, c.latency, c.batches, c.batchSize, c.armState, c.clockOffset, c.clockSynced)
	return c
}

func (c *Collector) ObserveState(s domain.ArmState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		c.armState.WithLabelValues(string(st)).Set(v)
	}
}

func (c *Collector) ObserveBatch(b domain.BatchResult) {
	c.batches.Inc()
	c.batchSize.Set(float64(len(b.Attempts)))
	for _, a := range b.Attempts {
		c.attempts.WithLabelValues(a.Item.ID, a.Outcome.String()).Inc()
		if a.Outcome != domain.OutcomeTransportError {
			c.latency.Observe(a.Latency.Seconds())
		}
	}
}

// ObserveClock is meant as clock.Options.OnSync.
func (c *Collector) ObserveClock(o clock.Offset) {
	c.clockOffset.Set(o.Value.Seconds())
	if o.Synced {
		c.clockSynced.Set(1)
	} else {
		c.clockSynced.Set(0)
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
