package segkv

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const metricsNamespace = "segkv"

// storeMetrics holds the Prometheus collectors of one Store. Collectors are
// always usable; they are only exported when a Registerer is configured.
type storeMetrics struct {
	flushes          prometheus.Counter
	flushErrors      prometheus.Counter
	compactions      prometheus.Counter
	compactionErrors prometheus.Counter
	backpressure     prometheus.Counter
	degradedReads    prometheus.Counter
	flushSeconds     prometheus.Histogram
	compactSeconds   prometheus.Histogram

	reg        prometheus.Registerer
	registered []prometheus.Collector
}

func newStoreMetrics(reg prometheus.Registerer, logger *zap.Logger) *storeMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		})
	}

	m := &storeMetrics{
		flushes:          counter("flushes_total", "Memtable flushes started."),
		flushErrors:      counter("flush_errors_total", "Memtable flushes that failed to persist."),
		compactions:      counter("compactions_total", "Compactions completed."),
		compactionErrors: counter("compaction_errors_total", "Compactions that failed."),
		backpressure:     counter("backpressure_rejections_total", "Writes rejected while a flush was in progress."),
		degradedReads:    counter("degraded_reads_total", "Reads answered without on-disk data after a storage error."),
		flushSeconds:     histogram("flush_duration_seconds", "Time spent persisting a memtable."),
		compactSeconds:   histogram("compaction_duration_seconds", "Time spent compacting segments."),
		reg:              reg,
	}
	if reg == nil {
		return m
	}

	for _, c := range []prometheus.Collector{
		m.flushes, m.flushErrors, m.compactions, m.compactionErrors,
		m.backpressure, m.degradedReads, m.flushSeconds, m.compactSeconds,
	} {
		if err := reg.Register(c); err != nil {
			logger.Warn("register metric", zap.Error(err))
			continue
		}
		m.registered = append(m.registered, c)
	}
	return m
}

// unregister removes the collectors registered by newStoreMetrics.
func (m *storeMetrics) unregister() {
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}
