package transport

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shmheap",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Heap requests served, by response status.",
	}, []string{"status"})

	descriptorsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shmheap",
		Subsystem: "transport",
		Name:      "descriptors_sent_total",
		Help:      "Descriptors passed to peers.",
	})

	publishedHeaps = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmheap",
		Subsystem: "transport",
		Name:      "published_heaps",
		Help:      "Heaps currently published by servers in this process.",
	})
)

func statusLabel(s Status) string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// RegisterMetrics registers the transport collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{requestsTotal, descriptorsSent, publishedHeaps} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
