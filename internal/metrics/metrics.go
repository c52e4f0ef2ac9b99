// Package metrics exposes pairing counters to prometheus. Values are driven by the status
// transitions published on the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/talkincode/wapair/internal/pairing"
)

const namespace = "wapair"

type Metrics struct {
	attempts    prometheus.Counter
	transitions *prometheus.CounterVec
	delivered   prometheus.Counter
	failures    prometheus.Counter
	sessions    prometheus.GaugeFunc
	swept       prometheus.Counter
}

// New registers the collectors on reg. sessions reports the current registry size.
func New(reg prometheus.Registerer, sessions func() int) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_attempts_total",
			Help:      "Pairing attempts started.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_transitions_total",
			Help:      "Session status transitions by target status.",
		}, []string{"status"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_delivered_total",
			Help:      "Credential bundles delivered to the linked account.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_failures_total",
			Help:      "Pairing attempts that ended in error.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Sessions evicted by the TTL sweep.",
		}),
	}
	m.sessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions currently held in memory.",
	}, func() float64 {
		if sessions == nil {
			return 0
		}
		return float64(sessions())
	})
	reg.MustRegister(m.attempts, m.transitions, m.delivered, m.failures, m.swept, m.sessions)
	return m
}

// Observe is subscribed to pairing.TopicStatus.
func (m *Metrics) Observe(t pairing.Transition) {
	if t.From != t.To {
		m.transitions.WithLabelValues(string(t.To)).Inc()
	}
	switch {
	case t.From == "" && t.To == pairing.StatusInitializing:
		m.attempts.Inc()
	case t.To == pairing.StatusError && t.From != pairing.StatusError:
		m.failures.Inc()
	case t.SessionSent && t.From == t.To:
		m.delivered.Inc()
	}
}

// Swept records a TTL sweep result.
func (m *Metrics) Swept(n int) {
	m.swept.Add(float64(n))
}
