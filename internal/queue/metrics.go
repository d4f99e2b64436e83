package queue

import "github.com/prometheus/client_golang/prometheus"

var queueLength = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "velum",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of spooled packets",
	},
	[]string{"queue"},
)

var packetsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "velum",
		Subsystem: "pipeline",
		Name:      "packets_total",
		Help:      "Processed packets by outcome",
	},
	[]string{"outcome"},
)

var mixBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "velum",
		Subsystem: "pipeline",
		Name:      "mix_batch_size",
		Help:      "Entries emitted per mix tick",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 250},
	},
)

var deliveryResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "velum",
		Subsystem: "pipeline",
		Name:      "deliveries_total",
		Help:      "Outgoing delivery attempts by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(packetsProcessed)
	prometheus.MustRegister(mixBatchSize)
	prometheus.MustRegister(deliveryResults)
}
