package queue

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "federationapi",
			Name:      "queue_depth",
			Help:      "Number of PDUs/EDUs currently queued for outbound delivery",
		},
	)
)

var sendQueueDepthValue atomic.Int64

var registerQueueMetrics sync.Once

func init() {
	registerQueueMetrics.Do(func() {
		prometheus.MustRegister(sendQueueDepth)
	})
}

// observeSendQueueDepth adjusts the tracked total queue depth by delta and
// republishes it to the gauge.
func observeSendQueueDepth(delta int) {
	v := sendQueueDepthValue.Add(int64(delta))
	sendQueueDepth.Set(float64(v))
}
