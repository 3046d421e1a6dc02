//go:build !linux

package shm

const (
	SealSize        = 0
	SealFutureWrite = 0
)

func MemfdCreate(name string) (int, error) { return -1, ErrUnsupported }

func Truncate(fd int, size int64) error { return ErrUnsupported }

func AddSeals(fd int, seals int) error { return ErrUnsupported }

func Seals(fd int) (int, error) { return 0, ErrUnsupported }

func Dup(fd int) (int, error) { return -1, ErrUnsupported }

func OpenDevice(path string, readOnly, sync bool) (int, error) { return -1, ErrUnsupported }

func NaturalSize(fd int) (int64, error) { return 0, ErrUnsupported }

func Map(opts MapOptions) ([]byte, error) { return nil, ErrUnsupported }

func Unmap(mem []byte) error { return ErrUnsupported }

func Close(fd int) error { return ErrUnsupported }

// CanCreateOnDevShm always returns true, there is no /dev/shm to probe.
func CanCreateOnDevShm(size uint64, path string) bool { return true }
