package shm

import (
	"errors"

	internalshm "github.com/srediag/shmheap/internal/shm"
)

var (
	// ErrDuplicate is returned when the caller's descriptor cannot be duplicated.
	ErrDuplicate = errors.New("duplicate descriptor failed")
	// ErrBadDescriptor is returned by NewFromOwnedFD for a negative descriptor.
	ErrBadDescriptor = errors.New("invalid descriptor")
	// ErrOpenDevice is returned when the device cannot be opened.
	ErrOpenDevice = errors.New("open device failed")
	// ErrCreate is returned when the anonymous object cannot be created or sized.
	ErrCreate = errors.New("create anonymous shared memory failed")
	// ErrSeal is returned when a read-only anonymous object cannot be sealed.
	ErrSeal = errors.New("seal anonymous shared memory failed")
	// ErrNoSpace is returned when /dev/shm cannot hold the requested size.
	ErrNoSpace = errors.New("share memory had not left space")
	// ErrInvalidSize is returned for negative sizes, or a zero anonymous size.
	ErrInvalidSize = errors.New("invalid heap size")
	// ErrInvalidOffset is returned for negative offsets.
	ErrInvalidOffset = errors.New("invalid heap offset")
	// ErrNoNaturalSize is returned when size 0 was requested but the object has no length.
	ErrNoNaturalSize = errors.New("object does not expose a natural size")
	// ErrMap is returned when the local mapping cannot be established.
	ErrMap = errors.New("map shared memory failed")

	// ErrAlreadyExists is returned by SetDevice once a device path is recorded.
	ErrAlreadyExists = errors.New("device already exists")
	// ErrEmptyDevice is returned by SetDevice for an empty path.
	ErrEmptyDevice = errors.New("empty device path")
	// ErrNotLive is returned by Descriptor for failed or disposed heaps.
	ErrNotLive = errors.New("heap is not live")

	// ErrUnsupported is returned by every constructor off Linux.
	ErrUnsupported = internalshm.ErrUnsupported
)
