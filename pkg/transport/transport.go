// Package transport ships shared memory heaps between processes over a unix
// domain socket. A Server publishes heaps by name; a Client fetches one and
// gets back a *shm.Heap mapped from the descriptor the server passed along.
//
// The server keeps its own duplicate of every published descriptor, so the
// backing object stays alive while peers are still fetching it even if the
// publisher disposes its heap.
package transport

import (
	"github.com/srediag/shmheap/internal/logger"
)

var transportLogger = logger.New("transport", nil)
