package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"bedrock/internal/base"
)

// storeMetrics exposes the engine's counters and gauges. Registration is
// optional; with no registry the collectors stay private to the instance.
type storeMetrics struct {
	opsEnqueued  *prometheus.CounterVec
	opsCompleted *prometheus.CounterVec
	opsFailed    *prometheus.CounterVec
	opsParked    *prometheus.CounterVec
	flushes      *prometheus.CounterVec

	journalUsed  prometheus.Gauge
	queueDepth   prometheus.Gauge
	blocksInUse  prometheus.Gauge
	unsyncedOpen prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		opsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bedrock_ops_enqueued_total",
			Help: "Operations accepted by kind.",
		}, []string{"kind"}),
		opsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bedrock_ops_completed_total",
			Help: "Operations finished by kind.",
		}, []string{"kind"}),
		opsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bedrock_ops_failed_total",
			Help: "Operations finished with a negative retval, by kind.",
		}, []string{"kind"}),
		opsParked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bedrock_ops_parked_total",
			Help: "Times an operation parked on a scarce resource.",
		}, []string{"reason"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bedrock_flushes_total",
			Help: "Journal flusher jobs completed by kind.",
		}, []string{"kind"}),
		journalUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedrock_journal_used_bytes",
			Help: "Bytes between the journal tail and head.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedrock_submit_queue_depth",
			Help: "Operations waiting in the submit queue.",
		}),
		blocksInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedrock_data_blocks_used",
			Help: "Allocated data-region blocks.",
		}),
		unsyncedOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bedrock_unsynced_writes",
			Help: "Completed writes not yet carried past a sync fence.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.opsEnqueued, m.opsCompleted, m.opsFailed, m.opsParked,
			m.flushes, m.journalUsed, m.queueDepth, m.blocksInUse,
			m.unsyncedOpen,
		)
	}
	return m
}

func (m *storeMetrics) enqueued(kind base.OpKind) {
	m.opsEnqueued.WithLabelValues(kind.String()).Inc()
}

func (m *storeMetrics) finished(kind base.OpKind, retval int) {
	m.opsCompleted.WithLabelValues(kind.String()).Inc()
	if retval < 0 {
		m.opsFailed.WithLabelValues(kind.String()).Inc()
	}
}

func (m *storeMetrics) parked(reason base.WaitKind) {
	m.opsParked.WithLabelValues(reason.String()).Inc()
}

func (m *storeMetrics) flushed(kind string) {
	m.flushes.WithLabelValues(kind).Inc()
}

// observe refreshes the gauges; called on the engine goroutine at the end of
// each drain cycle that empties the submit queue (a parked head skips it).
func (m *storeMetrics) observe(bs *Blockstore) {
	m.journalUsed.Set(float64(bs.journal.UsedBytes()))
	m.queueDepth.Set(float64(len(bs.submitQueue)))
	m.blocksInUse.Set(float64(bs.alloc.Size() - bs.alloc.Free()))
	m.unsyncedOpen.Set(float64(len(bs.unsynced)))
}

// WithRegistry registers the engine's collectors on reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return optionFunc(func(bs *Blockstore) {
		bs.metrics = newMetrics(reg)
	})
}
