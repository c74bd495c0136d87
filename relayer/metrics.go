package relayer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/axiom-crypto/blockhash-relayer/types"
)

const metricsNamespace = "relayer"

// Submission outcomes.
const (
	outcomeSuccess  = "success"
	outcomeReverted = "reverted"
	outcomeError    = "error"
)

// Metrics are the prometheus collectors updated by both protocols.
type Metrics struct {
	LastFinalized prometheus.Gauge
	State         prometheus.Gauge
	Submissions   *prometheus.CounterVec
	Discarded     prometheus.Counter
}

// NewMetrics registers the relayer collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LastFinalized: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_finalized_block",
			Help:      "First block number not yet committed by the contract.",
		}),
		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "state",
			Help:      "Recent-path protocol state (0 awaiting batch, 1 validating, 2 submitting, 3 confirmed, 4 failed).",
		}),
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_total",
			Help:      "Contract calls submitted, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Discarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discarded_batches_total",
			Help:      "Proof batches discarded because they end at or before the last finalized block.",
		}),
	}
}

func submissionOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, types.ErrTransactionReverted):
		return outcomeReverted
	default:
		return outcomeError
	}
}
