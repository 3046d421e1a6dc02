// Package health exposes heap and /dev/shm checks as liveness and readiness
// probes.
package health

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	internalshm "github.com/srediag/shmheap/internal/shm"
	"github.com/srediag/shmheap/pkg/shm"
)

// ErrHeapNotLive is returned by HeapLiveness for a heap that is not Live.
var ErrHeapNotLive = errors.New("heap is not live")

// ErrDevShmFull is returned by DevShmCapacity when /dev/shm has too little
// free space.
var ErrDevShmFull = errors.New("not enough free space on " + internalshm.DevShmPath)

// HeapLiveness fails once h is disposed or if it never came up.
func HeapLiveness(h *shm.Heap) healthcheck.Check {
	return func() error {
		if h == nil {
			return ErrHeapNotLive
		}
		if state := h.State(); state != shm.StateLive {
			if cause := h.Err(); cause != nil {
				return fmt.Errorf("%w: %s: %w", ErrHeapNotLive, state, cause)
			}
			return fmt.Errorf("%w: %s", ErrHeapNotLive, state)
		}
		return nil
	}
}

// DevShmCapacity fails while /dev/shm cannot hold another object of size
// bytes.
func DevShmCapacity(size uint64) healthcheck.Check {
	probe := filepath.Join(internalshm.DevShmPath, "shmheap-probe")
	return func() error {
		if !internalshm.CanCreateOnDevShm(size, probe) {
			return fmt.Errorf("%w: need %d bytes", ErrDevShmFull, size)
		}
		return nil
	}
}

// Config selects the checks NewHandler installs.
type Config struct {
	// Heaps are liveness checks keyed by name.
	Heaps map[string]*shm.Heap
	// Reserve, when non-zero, adds a readiness check on /dev/shm free space.
	Reserve uint64
	// Registerer, when set, exports every check result as a gauge.
	Registerer prometheus.Registerer
	// Namespace prefixes the exported gauges.
	Namespace string
}

// NewHandler returns a handler serving /live and /ready for conf.
func NewHandler(conf Config) healthcheck.Handler {
	var handler healthcheck.Handler
	if conf.Registerer != nil {
		handler = healthcheck.NewMetricsHandler(conf.Registerer, conf.Namespace)
	} else {
		handler = healthcheck.NewHandler()
	}
	for name, h := range conf.Heaps {
		handler.AddLivenessCheck("heap-"+name, HeapLiveness(h))
	}
	if conf.Reserve > 0 {
		handler.AddReadinessCheck("dev-shm", DevShmCapacity(conf.Reserve))
	}
	return handler
}
