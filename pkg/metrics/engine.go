package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics counts ingestion, grant and fee outcomes.
type EngineMetrics struct {
	transfers       *prometheus.CounterVec
	matches         *prometheus.CounterVec
	grants          *prometheus.CounterVec
	poolExhausted   *prometheus.CounterVec
	feeUnits        prometheus.Counter
	inconsistencies prometheus.Counter
	pollErrors      *prometheus.CounterVec
}

// NewEngineMetrics registers the engine metrics. A nil registerer yields a no-op value.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	m := &EngineMetrics{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_observed_total",
			Help:      "Confirmed inbound transfers observed, by network and currency.",
		}, []string{"network", "currency"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_matches_total",
			Help:      "Order match outcomes for observed transfers.",
		}, []string{"network", "kind"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Resource grant attempts by outcome and reason.",
		}, []string{"network", "outcome", "reason"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Account selections that found no provider with enough capacity.",
		}, []string{"network"}),
		feeUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_units_deducted_total",
			Help:      "Units deducted by the inactivity fee.",
		}),
		inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistencies_total",
			Help:      "Grants executed on the ledger whose bookkeeping failed to persist.",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed ledger poll cycles per monitored address.",
		}, []string{"network", "address"}),
	}
	reg.MustRegister(m.transfers, m.matches, m.grants, m.poolExhausted, m.feeUnits, m.inconsistencies, m.pollErrors)
	return m
}

func (m *EngineMetrics) TransferObserved(network, currency string) {
	if m == nil || m.transfers == nil {
		return
	}
	m.transfers.WithLabelValues(network, currency).Inc()
}

func (m *EngineMetrics) MatchOutcome(network, kind string) {
	if m == nil || m.matches == nil {
		return
	}
	m.matches.WithLabelValues(network, kind).Inc()
}

func (m *EngineMetrics) GrantSucceeded(network string) {
	if m == nil || m.grants == nil {
		return
	}
	m.grants.WithLabelValues(network, "success", "").Inc()
}

func (m *EngineMetrics) GrantFailed(network, reason string) {
	if m == nil || m.grants == nil {
		return
	}
	m.grants.WithLabelValues(network, "failure", reason).Inc()
}

func (m *EngineMetrics) PoolExhausted(network string) {
	if m == nil || m.poolExhausted == nil {
		return
	}
	m.poolExhausted.WithLabelValues(network).Inc()
}

func (m *EngineMetrics) FeeDeducted(units int) {
	if m == nil || m.feeUnits == nil {
		return
	}
	m.feeUnits.Add(float64(units))
}

func (m *EngineMetrics) Inconsistency() {
	if m == nil || m.inconsistencies == nil {
		return
	}
	m.inconsistencies.Inc()
}

func (m *EngineMetrics) PollFailed(network, address string) {
	if m == nil || m.pollErrors == nil {
		return
	}
	m.pollErrors.WithLabelValues(network, address).Inc()
}
