// Package shm contains the platform primitives behind the shared memory heap.
package shm

import "errors"

// DevShmPath is the tmpfs mount whose free space bounds anonymous objects.
const DevShmPath = "/dev/shm"

// ErrUnsupported is returned by every primitive on platforms without memfd.
var ErrUnsupported = errors.New("shared memory heap is not supported on this platform")

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	FD       int
	Offset   int64
	Size     int
	ReadOnly bool
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
