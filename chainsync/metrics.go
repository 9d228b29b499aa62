package chainsync

import (
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the state of an engine to Prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cursor   *prometheus.GaugeVec
	tip      prometheus.Gauge
	retries  *prometheus.CounterVec
	exhausts *prometheus.CounterVec
	reorgs   prometheus.Counter
	payments prometheus.Counter
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cursor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "blockdn_sync_cursor_height",
				Help: "Next height each stream will fetch.",
			},
			[]string{"stream"},
		),
		tip: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockdn_sync_tip_height",
			Help: "Height of the active header chain tip.",
		}),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockdn_sync_retries_total",
				Help: "Batch requests that were retried.",
			},
			[]string{"stream"},
		),
		exhausts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockdn_sync_exhausted_total",
				Help: "Batches given up on after every retry.",
			},
			[]string{"stream"},
		),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockdn_sync_reorgs_total",
			Help: "Switches of the active header chain.",
		}),
		payments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockdn_sync_silent_payments_total",
			Help: "Silent payment outputs found while syncing.",
		}),
	}

	collectors := []prometheus.Collector{
		m.cursor, m.tip, m.retries, m.exhausts, m.reorgs, m.payments,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) observe(c Cursor, chain *headerchain.Chain) {
	if m == nil {
		return
	}

	m.cursor.WithLabelValues(StreamHeaders.String()).Set(
		float64(c.NextHeader),
	)
	m.cursor.WithLabelValues(StreamFilters.String()).Set(
		float64(c.NextFilter),
	)
	m.cursor.WithLabelValues(StreamTweaks.String()).Set(
		float64(c.NextTweak),
	)

	if tip, ok := chain.Tip(); ok {
		m.tip.Set(float64(tip.Height))
	}
}

func (m *Metrics) retried(stream StreamKind) {
	if m == nil {
		return
	}

	m.retries.WithLabelValues(stream.String()).Inc()
}

func (m *Metrics) exhausted(stream StreamKind) {
	if m == nil {
		return
	}

	m.exhausts.WithLabelValues(stream.String()).Inc()
}

func (m *Metrics) reorged() {
	if m == nil {
		return
	}

	m.reorgs.Inc()
}

func (m *Metrics) matched(n int) {
	if m == nil || n == 0 {
		return
	}

	m.payments.Add(float64(n))
}
