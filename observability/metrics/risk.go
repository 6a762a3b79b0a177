package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RiskMetrics exposes the counters and gauges for the risk control loop.
type RiskMetrics struct {
	Passes       prometheus.Counter
	Evaluations  prometheus.Counter
	Transitions  *prometheus.CounterVec
	Failures     prometheus.Counter
	YieldPayouts prometheus.Counter
	OpenLoans    prometheus.Gauge
}

var (
	riskOnce sync.Once
	risk     *RiskMetrics
)

// Risk returns the process-wide risk metrics, registering them on first use.
func Risk() *RiskMetrics {
	riskOnce.Do(func() {
		risk = &RiskMetrics{
			Passes: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "passes_total",
				Help:      "Completed scheduler passes.",
			}),
			Evaluations: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "evaluations_total",
				Help:      "Loan health evaluations performed.",
			}),
			Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "transitions_total",
				Help:      "Loan state transitions by kind.",
			}, []string{"kind"}),
			Failures: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "failures_total",
				Help:      "Per-loan evaluation failures.",
			}),
			YieldPayouts: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "yield_payouts_total",
				Help:      "Yield settlements that paid out a positive amount.",
			}),
			OpenLoans: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "mosaical",
				Subsystem: "risk",
				Name:      "open_loans",
				Help:      "Loans currently in Active or GracePeriod status.",
			}),
		}
	})
	return risk
}
