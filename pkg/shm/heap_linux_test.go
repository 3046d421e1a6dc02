//go:build linux

package shm

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sys/unix"
)

type HeapTestSuite struct {
	suite.Suite
}

func (s *HeapTestSuite) newMemfd(size int64) int {
	fd, err := unix.MemfdCreate("heap-test", unix.MFD_CLOEXEC)
	s.Require().NoError(err)
	s.Require().NoError(unix.Ftruncate(fd, size))
	return fd
}

func (s *HeapTestSuite) TestAnonymous() {
	h, err := NewAnonymous(4096, WithName("test"))
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	s.Equal(StateLive, h.State())
	s.Equal(int64(4096), h.Size())
	s.Equal(int64(0), h.Offset())
	s.Equal(Flag(0), h.Flags())
	s.Equal("", h.Device())
	s.True(h.Mapped())
	s.Len(h.Base(), 4096)
	s.GreaterOrEqual(h.HeapID(), 0)
	s.True(h.Owned())
	s.NoError(h.Err())

	link, err := os.Readlink(filepath.Join("/proc/self/fd", strconv.Itoa(h.HeapID())))
	s.Require().NoError(err)
	s.Contains(link, "memfd:test")

	h.Base()[10] = 0x7f
	buf := make([]byte, 1)
	_, err = unix.Pread(h.HeapID(), buf, 10)
	s.Require().NoError(err)
	s.Equal(byte(0x7f), buf[0])
}

func (s *HeapTestSuite) TestAnonymousDefaultName() {
	h, err := NewAnonymous(4096, WithName(""))
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	link, err := os.Readlink(filepath.Join("/proc/self/fd", strconv.Itoa(h.HeapID())))
	s.Require().NoError(err)
	s.Contains(link, "memfd:"+defaultName)
}

func (s *HeapTestSuite) TestAnonymousInvalidSize() {
	for _, size := range []int64{0, -1} {
		h, err := NewAnonymous(size)
		s.ErrorIs(err, ErrInvalidSize)
		s.Equal(StateFailed, h.State())
		s.Equal(InvalidFD, h.HeapID())
		s.Nil(h.Base())
		s.Equal(int64(0), h.Size())
		s.ErrorIs(h.Err(), ErrInvalidSize)
	}
}

func (s *HeapTestSuite) TestAnonymousReadOnly() {
	h, err := NewAnonymous(4096, WithFlags(ReadOnly), WithName("ro"))
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	s.Require().True(h.Mapped())
	s.Equal(ReadOnly, h.Flags())

	// No process can write through the descriptor or map it writable.
	_, err = unix.Pwrite(h.HeapID(), []byte{1}, 0)
	s.ErrorIs(err, unix.EPERM)
	_, err = unix.Mmap(h.HeapID(), 0, 4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	s.ErrorIs(err, unix.EPERM)

	s.True(writeFaults(h.Base()))
}

func writeFaults(mem []byte) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if recover() != nil {
			faulted = true
		}
	}()
	mem[0] = 1
	return false
}

func (s *HeapTestSuite) TestAnonymousSealedAgainstResize() {
	h, err := NewAnonymous(4096)
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	s.ErrorIs(unix.Ftruncate(h.HeapID(), 8192), unix.EPERM)
	s.ErrorIs(unix.Ftruncate(h.HeapID(), 0), unix.EPERM)
}

func (s *HeapTestSuite) TestDontMapLocally() {
	anon, err := NewAnonymous(4096, WithFlags(DontMapLocally))
	s.Require().NoError(err)
	defer anon.Dispose() //nolint:errcheck
	s.Nil(anon.Base())
	s.False(anon.Mapped())
	s.GreaterOrEqual(anon.HeapID(), 0)

	desc, err := anon.Descriptor()
	s.Require().NoError(err)
	s.Equal(Descriptor{FD: anon.HeapID(), Size: 4096, Flags: DontMapLocally}, desc)

	// An unaligned offset is never handed to mmap.
	fd := s.newMemfd(8192)
	defer unix.Close(fd) //nolint:errcheck
	byFD, err := NewFromFD(fd, 4096, WithFlags(DontMapLocally), WithOffset(100))
	s.Require().NoError(err)
	defer byFD.Dispose() //nolint:errcheck
	s.Nil(byFD.Base())
	s.Equal(int64(100), byFD.Offset())

	dev := s.tempDevice(4096)
	byDev, err := NewFromDevice(dev, 0, WithFlags(DontMapLocally))
	s.Require().NoError(err)
	defer byDev.Dispose() //nolint:errcheck
	s.Nil(byDev.Base())
	s.Equal(int64(4096), byDev.Size())

	missing, err := NewFromDevice("/dev/shmheap-missing", 4096, WithFlags(DontMapLocally))
	s.Error(err)
	s.Nil(missing.Base())
}

func (s *HeapTestSuite) TestDisposeIdempotent() {
	h, err := NewAnonymous(4096)
	s.Require().NoError(err)

	s.NoError(h.Dispose())
	first := h.String()
	s.Equal(StateDisposed, h.State())
	s.Equal(InvalidFD, h.HeapID())
	s.Nil(h.Base())
	s.False(h.Mapped())
	s.False(h.Owned())
	s.Equal(int64(4096), h.Size())

	s.NoError(h.Dispose())
	s.NoError(h.Close())
	s.Equal(first, h.String())
	s.Equal(StateDisposed, h.State())

	_, err = h.Descriptor()
	s.ErrorIs(err, ErrNotLive)
}

func (s *HeapTestSuite) TestDisposeFailedHeap() {
	h, err := NewAnonymous(0)
	s.Require().Error(err)
	s.NoError(h.Dispose())
	s.Equal(StateFailed, h.State())
	_, err = h.Descriptor()
	s.ErrorIs(err, ErrNotLive)
}

func (s *HeapTestSuite) TestSetDeviceOnce() {
	h, err := NewAnonymous(4096)
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	s.ErrorIs(h.SetDevice(""), ErrEmptyDevice)
	s.NoError(h.SetDevice("/dev/first"))
	s.ErrorIs(h.SetDevice("/dev/second"), ErrAlreadyExists)
	s.Equal("/dev/first", h.Device())
	s.Equal(StateLive, h.State())
}

func (s *HeapTestSuite) TestFromFDKeepsCallerDescriptor() {
	fd := s.newMemfd(8192)

	h, err := NewFromFD(fd, 4096, WithOffset(4096))
	s.Require().NoError(err)
	s.NotEqual(fd, h.HeapID())
	s.Equal(int64(4096), h.Size())
	s.Equal(int64(4096), h.Offset())
	s.True(h.Owned())

	h.Base()[0] = 0x42
	buf := make([]byte, 1)
	_, err = unix.Pread(fd, buf, 4096)
	s.Require().NoError(err)
	s.Equal(byte(0x42), buf[0])

	s.NoError(h.Dispose())
	s.NoError(h.Dispose())

	var st unix.Stat_t
	s.NoError(unix.Fstat(fd, &st))
	s.Equal(int64(8192), st.Size)
	s.NoError(unix.Close(fd))
}

func (s *HeapTestSuite) TestFromFDNaturalSize() {
	fd := s.newMemfd(8192)
	defer unix.Close(fd) //nolint:errcheck

	h, err := NewFromFD(fd, 0)
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck
	s.Equal(int64(8192), h.Size())

	tail, err := NewFromFD(fd, 0, WithOffset(4096))
	s.Require().NoError(err)
	defer tail.Dispose() //nolint:errcheck
	s.Equal(int64(4096), tail.Size())

	empty := s.newMemfd(0)
	defer unix.Close(empty) //nolint:errcheck
	none, err := NewFromFD(empty, 0)
	s.ErrorIs(err, ErrNoNaturalSize)
	s.Equal(InvalidFD, none.HeapID())
}

func (s *HeapTestSuite) TestFromFDSharesPages() {
	anon, err := NewAnonymous(4096)
	s.Require().NoError(err)
	defer anon.Dispose() //nolint:errcheck

	desc, err := anon.Descriptor()
	s.Require().NoError(err)
	peer, err := NewFromFD(desc.FD, desc.Size, WithFlags(desc.Flags), WithOffset(desc.Offset))
	s.Require().NoError(err)
	defer peer.Dispose() //nolint:errcheck

	copy(anon.Base(), "hello heap")
	s.Equal("hello heap", string(peer.Base()[:10]))
}

func (s *HeapTestSuite) TestFromFDBadDescriptor() {
	h, err := NewFromFD(-1, 4096)
	s.ErrorIs(err, ErrDuplicate)
	s.ErrorIs(err, unix.EBADF)
	s.Equal(StateFailed, h.State())
	s.Equal(InvalidFD, h.HeapID())
	s.Equal(int64(0), h.Size())

	h, err = NewFromFD(0, 4096, WithOffset(-4096))
	s.ErrorIs(err, ErrInvalidOffset)
	s.Equal(int64(-4096), h.Offset())
}

// A failed local mapping rolls the whole construction back: the duplicate is
// closed and the caller's descriptor is untouched.
func (s *HeapTestSuite) TestMapFailureRollsBack() {
	fd := s.newMemfd(8192)
	defer unix.Close(fd) //nolint:errcheck

	before := openFDs(s.T())
	h, err := NewFromFD(fd, 4096, WithOffset(100))
	s.ErrorIs(err, ErrMap)
	s.ErrorIs(err, unix.EINVAL)
	s.Equal(StateFailed, h.State())
	s.Equal(InvalidFD, h.HeapID())
	s.Nil(h.Base())
	s.Equal(int64(0), h.Size())
	s.Equal(int64(100), h.Offset())
	s.False(h.Owned())
	s.Equal(before, openFDs(s.T()))

	var st unix.Stat_t
	s.NoError(unix.Fstat(fd, &st))
}

func (s *HeapTestSuite) TestFromOwnedFD() {
	fd := s.newMemfd(8192)

	h, err := NewFromOwnedFD(fd, 0)
	s.Require().NoError(err)
	s.Equal(StateLive, h.State())
	s.Equal(fd, h.HeapID())
	s.True(h.Owned())
	s.Equal(int64(8192), h.Size())
	copy(h.Base(), "adopted")

	s.NoError(h.Dispose())
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	s.ErrorIs(err, unix.EBADF)
}

// Construction failures close the adopted descriptor instead of leaking it.
func (s *HeapTestSuite) TestFromOwnedFDFailureClosesDescriptor() {
	fd := s.newMemfd(8192)
	before := openFDs(s.T())
	h, err := NewFromOwnedFD(fd, 4096, WithOffset(100))
	s.ErrorIs(err, ErrMap)
	s.Equal(StateFailed, h.State())
	s.Equal(InvalidFD, h.HeapID())
	s.False(h.Owned())
	s.Equal(before-1, openFDs(s.T()))
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	s.ErrorIs(err, unix.EBADF)

	fd = s.newMemfd(4096)
	_, err = NewFromOwnedFD(fd, -1)
	s.ErrorIs(err, ErrInvalidSize)
	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	s.ErrorIs(err, unix.EBADF)

	h, err = NewFromOwnedFD(-1, 4096)
	s.ErrorIs(err, ErrBadDescriptor)
	s.Equal(StateFailed, h.State())
}

// Base stays mapped across collections for as long as its heap is referenced.
func (s *HeapTestSuite) TestBaseValidWhileHeapReachable() {
	h, err := NewAnonymous(4096)
	s.Require().NoError(err)
	base := h.Base()
	for i := 0; i < 5; i++ {
		runtime.GC()
	}
	s.False(writeFaults(base))
	s.Equal(byte(1), h.Base()[0])
	runtime.KeepAlive(h)
	s.NoError(h.Dispose())
}

func (s *HeapTestSuite) TestDeviceMissing() {
	path := "/dev/shmheap-does-not-exist"
	h, err := NewFromDevice(path, 4096)
	s.ErrorIs(err, ErrOpenDevice)
	s.ErrorIs(err, unix.ENOENT)
	s.Equal(StateFailed, h.State())
	s.Equal(InvalidFD, h.HeapID())
	s.Nil(h.Base())
	s.Equal(path, h.Device())
	s.ErrorIs(h.SetDevice("/dev/other"), ErrAlreadyExists)
	s.Equal(path, h.Device())
}

func (s *HeapTestSuite) TestDeviceNaturalSize() {
	path := s.tempDevice(8192)

	h, err := NewFromDevice(path, 0)
	s.Require().NoError(err)
	s.Equal(path, h.Device())
	s.Equal(int64(8192), h.Size())
	s.Equal(int64(0), h.Offset())

	copy(h.Base(), "device bytes")
	s.NoError(h.Dispose())

	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal("device bytes", string(data[:12]))
}

func (s *HeapTestSuite) TestDeviceExplicitSize() {
	path := s.tempDevice(8192)
	h, err := NewFromDevice(path, 4096, WithFlags(NoCaching))
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck
	s.Equal(int64(4096), h.Size())
	s.Len(h.Base(), 4096)

	status, err := unix.FcntlInt(uintptr(h.HeapID()), unix.F_GETFL, 0)
	s.Require().NoError(err)
	s.Equal(unix.O_SYNC, status&unix.O_SYNC)
	s.Equal(unix.O_RDWR, status&unix.O_ACCMODE)
}

func (s *HeapTestSuite) TestDeviceReadOnly() {
	path := s.tempDevice(4096)
	h, err := NewFromDevice(path, 0, WithFlags(ReadOnly))
	s.Require().NoError(err)
	defer h.Dispose() //nolint:errcheck

	status, err := unix.FcntlInt(uintptr(h.HeapID()), unix.F_GETFL, 0)
	s.Require().NoError(err)
	s.Equal(unix.O_RDONLY, status&unix.O_ACCMODE)
	s.True(writeFaults(h.Base()))
}

func (s *HeapTestSuite) TestDeviceWithoutNaturalSize() {
	path := s.tempDevice(0)
	h, err := NewFromDevice(path, 0)
	s.ErrorIs(err, ErrNoNaturalSize)
	s.Equal(path, h.Device())
	s.Equal(InvalidFD, h.HeapID())
}

func (s *HeapTestSuite) TestReleasedWhenUnreachable() {
	before := gaugeValue(heapsLive)
	h, err := NewAnonymous(4096)
	s.Require().NoError(err)
	s.Equal(before+1, gaugeValue(heapsLive))
	h = nil
	_ = h

	s.Eventually(func() bool {
		runtime.GC()
		return gaugeValue(heapsLive) <= before
	}, 5*time.Second, 10*time.Millisecond)
}

func (s *HeapTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	s.Require().NoError(RegisterMetrics(reg))
	s.Require().NoError(RegisterMetrics(reg))

	ok := counterValue(heapConstructions.WithLabelValues(strategyAnonymous))
	failed := counterValue(heapFailures.WithLabelValues(strategyDevice, stageAcquire))
	mapped := gaugeValue(heapMappedBytes)

	h, err := NewAnonymous(4096)
	s.Require().NoError(err)
	s.Equal(mapped+4096, gaugeValue(heapMappedBytes))
	s.NoError(h.Dispose())
	s.Equal(mapped, gaugeValue(heapMappedBytes))
	_, _ = NewFromDevice("/dev/shmheap-missing", 4096)

	s.Equal(ok+1, counterValue(heapConstructions.WithLabelValues(strategyAnonymous)))
	s.Equal(failed+1, counterValue(heapFailures.WithLabelValues(strategyDevice, stageAcquire)))

	families, err := reg.Gather()
	s.Require().NoError(err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	s.True(names["shmheap_constructions_total"])
	s.True(names["shmheap_live_heaps"])
}

type recordingTracer struct {
	tracenoop.Tracer
	spans []string
}

func (t *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	t.spans = append(t.spans, name)
	return t.Tracer.Start(ctx, name, opts...)
}

func (s *HeapTestSuite) TestTracer() {
	tr := &recordingTracer{}
	h, err := NewAnonymous(4096, WithTracer(tr))
	s.Require().NoError(err)
	s.NoError(h.Dispose())
	_, _ = NewFromDevice("/dev/shmheap-missing", 0, WithTracer(tr))
	s.Equal([]string{"shm.NewAnonymous", "shm.NewFromDevice"}, tr.spans)
}

func (s *HeapTestSuite) tempDevice(size int64) string {
	f, err := os.CreateTemp(s.T().TempDir(), "device")
	s.Require().NoError(err)
	s.Require().NoError(f.Truncate(size))
	s.Require().NoError(f.Close())
	return f.Name()
}

func openFDs(t *testing.T) int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func TestHeapTestSuite(t *testing.T) {
	suite.Run(t, new(HeapTestSuite))
}
