package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	AssetsReported  *prometheus.CounterVec
	MatchesProposed prometheus.Counter
	MatchesVerified *prometheus.CounterVec
	EscrowsSettled  *prometheus.CounterVec
	CustodiedTotal  prometheus.Gauge
	OutboxPending   prometheus.Gauge
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		AssetsReported: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reclaim_assets_reported_total",
			Help: "Asset reports accepted, by kind (lost or found).",
		}, []string{"kind"}),
		MatchesProposed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reclaim_matches_proposed_total",
			Help: "Match requests recorded.",
		}),
		MatchesVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reclaim_match_verifications_total",
			Help: "Verification calls, by result (ok, mismatch, exhausted).",
		}, []string{"result"}),
		EscrowsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reclaim_escrow_transitions_total",
			Help: "Escrow state transitions, by outcome (created, released, refunded, disputed, resolved, emergency).",
		}, []string{"outcome"}),
		CustodiedTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reclaim_custodied_amount",
			Help: "Running total of funds custodied by active and disputed escrows.",
		}),
		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "reclaim_outbox_pending",
			Help: "Outbox rows waiting for the relay worker.",
		}),
	}
}
