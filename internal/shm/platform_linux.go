//go:build linux

package shm

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const (
	// SealSize stops the object from growing or shrinking under remote mappings.
	SealSize = unix.F_SEAL_GROW | unix.F_SEAL_SHRINK
	// SealFutureWrite denies any new writable mapping or write(2) on the object.
	SealFutureWrite = unix.F_SEAL_FUTURE_WRITE
)

// MemfdCreate creates an anonymous, sealable, close-on-exec memory object.
// name only shows up in /proc/<pid>/fd and /proc/<pid>/maps.
func MemfdCreate(name string) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	return fd, nil
}

// Truncate sets the length of the object behind fd.
func Truncate(fd int, size int64) error {
	if err := unix.Ftruncate(fd, size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}
	return nil
}

// AddSeals applies F_ADD_SEALS to a memfd.
func AddSeals(fd int, seals int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		return fmt.Errorf("fcntl(F_ADD_SEALS): %w", err)
	}
	return nil
}

// Seals returns the seals currently applied to a memfd.
func Seals(fd int) (int, error) {
	s, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("fcntl(F_GET_SEALS): %w", err)
	}
	return s, nil
}

// Dup returns a close-on-exec duplicate of fd. The caller owns the result.
func Dup(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("fcntl(F_DUPFD_CLOEXEC): %w", err)
	}
	return nfd, nil
}

// OpenDevice opens a device or file for mapping. sync requests O_SYNC, the
// closest thing to uncached access a userspace mapping can ask for.
func OpenDevice(path string, readOnly, sync bool) (int, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if readOnly {
		flags = unix.O_RDONLY | unix.O_CLOEXEC
	}
	if sync {
		flags |= unix.O_SYNC
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// NaturalSize returns the length the object behind fd reports through fstat.
func NaturalSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat: %w", err)
	}
	return st.Size, nil
}

// Map maps opts.Size bytes of opts.FD starting at opts.Offset, MAP_SHARED.
func Map(opts MapOptions) ([]byte, error) {
	prot := unix.PROT_READ
	if !opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(opts.FD, opts.Offset, opts.Size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// Close closes fd.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close fd %d: %w", fd, err)
	}
	return nil
}

// CanCreateOnDevShm reports whether size bytes fit on /dev/shm. Paths outside
// /dev/shm, and a failing statfs, always report true.
func CanCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, DevShmPath) {
		return true
	}
	stat, err := disk.Usage(DevShmPath)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
