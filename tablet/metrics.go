package tablet

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dmsFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "tablet",
			Name:      "dms_flushes_total",
			Help:      "Counter of DMS flushes by result.",
		}, []string{"result"})

	dmsFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytablet",
			Subsystem: "tablet",
			Name:      "dms_flush_duration_seconds",
			Help:      "Time taken to flush a DMS to a delta file.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})

	readerCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytablet",
			Subsystem: "tablet",
			Name:      "delta_reader_cache_evictions_total",
			Help:      "Counter of delta file readers evicted from the reader cache.",
		})
)

func init() {
	prometheus.MustRegister(dmsFlushesTotal)
	prometheus.MustRegister(dmsFlushDuration)
	prometheus.MustRegister(readerCacheEvictions)
}
