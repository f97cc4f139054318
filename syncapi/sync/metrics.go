package sync

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sync_duration_seconds",
			Help:      "Time taken to build one /sync response, including a long-poll wait",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	syncLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "syncapi",
			Name:      "sync_lag_seconds",
			Help:      "Time from receipt of the most recent /sync request to its response",
		},
	)
)

var registerSyncMetrics sync.Once

func init() {
	registerSyncMetrics.Do(func() {
		prometheus.MustRegister(syncDurationHistogram, syncLagSeconds)
	})
}

// observeSyncMetrics records one completed /sync request's total build
// duration in the histogram and sets the lag gauge to lag; the handler
// passes the request's own elapsed time as lag.
func observeSyncMetrics(duration, lag time.Duration) {
	syncDurationHistogram.Observe(duration.Seconds())
	syncLagSeconds.Set(lag.Seconds())
}
