package shm

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	heapConstructions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmheap",
		Name:      "constructions_total",
		Help:      "Total number of successful heap constructions.",
	}, []string{"strategy"})

	heapFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmheap",
		Name:      "construction_failures_total",
		Help:      "Total number of failed heap constructions.",
	}, []string{"strategy", "stage"})

	heapsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmheap",
		Name:      "live_heaps",
		Help:      "Number of heaps constructed and not yet released.",
	})

	heapMappedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmheap",
		Name:      "mapped_bytes",
		Help:      "Bytes currently mapped into this process by heaps.",
	})
)

// RegisterMetrics registers the heap collectors with reg. Registering twice
// with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{heapConstructions, heapFailures, heapsLive, heapMappedBytes} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
