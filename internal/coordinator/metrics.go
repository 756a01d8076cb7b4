package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safecoord/safecoord/internal/protocol"
)

const metricsNamespace = "safecoord"

// Metrics counts proposal lifecycle events.
type Metrics struct {
	ProposalsCreated    prometheus.Counter
	SignaturesCollected *prometheus.CounterVec
	SignaturesDropped   prometheus.Counter
	Executions          *prometheus.CounterVec
	ExecutionSeconds    prometheus.Histogram
	DegradedNonce       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "proposals_created_total",
			Help:      "Proposals created by this process.",
		}),
		SignaturesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signatures_collected_total",
			Help:      "Signatures added to proposals, by scheme and source.",
		}, []string{"scheme", "source"}),
		SignaturesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "signatures_dropped_total",
			Help:      "Signatures dropped because they were invalid or not by an owner.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Finished execution attempts, by outcome.",
		}, []string{"outcome"}),
		ExecutionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from entering the executing state to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		DegradedNonce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nonce_degraded_total",
			Help:      "Sequence numbers chosen without the proposal store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProposalsCreated,
			m.SignaturesCollected,
			m.SignaturesDropped,
			m.Executions,
			m.ExecutionSeconds,
			m.DegradedNonce,
		)
	}
	return m
}

func (m *Metrics) signatureAdded(scheme protocol.Scheme, source string) {
	m.SignaturesCollected.WithLabelValues(scheme.String(), source).Inc()
}

// outcome returns the executions_total label of a terminal result.
func outcome(r *protocol.ExecutionResult) string {
	switch {
	case r == nil:
		return "unknown"
	case r.AlreadyExecuted:
		return "already_executed"
	case r.Success:
		return "executed"
	default:
		return string(r.Class)
	}
}
