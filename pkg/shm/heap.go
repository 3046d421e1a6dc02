package shm

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmheap/internal/logger"
	internalshm "github.com/srediag/shmheap/internal/shm"
)

// InvalidFD is what HeapID reports for a heap without a descriptor.
const InvalidFD = -1

const (
	strategyFD        = "fd"
	strategyOwnedFD   = "owned_fd"
	strategyDevice    = "device"
	strategyAnonymous = "anonymous"

	stageAcquire = "acquire"
	stageSize    = "size"
	stageMap     = "map"
)

var heapLogger = logger.New("heap", nil)

// State is the lifecycle state of a Heap.
type State int

const (
	StateUninitialized State = iota
	StateLive
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Descriptor is what a transport needs to map the heap in another process.
type Descriptor struct {
	FD     int
	Size   int64
	Offset int64
	Flags  Flag
}

// region is the one resource a Heap owns: a descriptor, tagged as owned or
// borrowed, and an optional local mapping.
type region struct {
	fd    int
	owned bool
	mem   []byte
	live  bool
}

// release unmaps and closes what the region owns. Calling it again is a no-op.
func (r *region) release() error {
	var errs []error
	if r.mem != nil {
		if err := internalshm.Unmap(r.mem); err != nil {
			errs = append(errs, err)
		}
		heapMappedBytes.Sub(float64(len(r.mem)))
		r.mem = nil
	}
	if r.owned && r.fd >= 0 {
		if err := internalshm.Close(r.fd); err != nil {
			errs = append(errs, err)
		}
	}
	if r.live {
		heapsLive.Dec()
		r.live = false
	}
	r.owned = false
	r.fd = InvalidFD
	return errors.Join(errs...)
}

func releaseUnreachable(r *region) {
	fd := r.fd
	if err := r.release(); err != nil {
		heapLogger.Warnf("release of unreachable heap fd %d: %v", fd, err)
		return
	}
	if logger.DebugMode() {
		heapLogger.Warnf("heap fd %d was never disposed, released by the runtime", fd)
		return
	}
	heapLogger.Debugf("released unreachable heap fd %d", fd)
}

// Heap is a shared memory region backed by an anonymous object, a caller's
// descriptor or a device. A Heap has a single owner; Dispose must not be
// called concurrently.
type Heap struct {
	res      *region
	cleanup  runtime.Cleanup
	armed    bool
	size     int64
	offset   int64
	flags    Flag
	device   string
	state    State
	err      error
	strategy string

	constructions metric.Int64Counter
}

func newHeap(strategy string, o *options) *Heap {
	counter, err := o.meter.Int64Counter("shmheap.constructions",
		metric.WithDescription("Heap constructions by strategy and outcome."))
	if err != nil {
		heapLogger.Warnf("create constructions counter: %v", err)
	}
	return &Heap{
		res:           &region{fd: InvalidFD},
		flags:         o.flags,
		strategy:      strategy,
		constructions: counter,
	}
}

// NewFromFD maps the object behind fd. fd is duplicated and never closed by
// the heap; the caller still owns it after the heap is disposed. size 0 maps
// from the offset to the end of the object.
func NewFromFD(fd int, size int64, opts ...Option) (*Heap, error) {
	o := newOptions(opts)
	h := newHeap(strategyFD, o)
	h.offset = o.offset
	ctx, span := h.startSpan(o, "shm.NewFromFD", attribute.Int("fd", fd))
	defer span.End()

	if err := checkGeometry(size, o.offset); err != nil {
		return h.fail(ctx, span, stageSize, err)
	}
	dup, err := internalshm.Dup(fd)
	if err != nil {
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: %w", ErrDuplicate, err))
	}
	return h.mapfd(ctx, span, dup, size)
}

// NewFromOwnedFD maps the object behind fd and takes ownership of it: fd is
// closed by Dispose, and closed right away if construction fails. Use it for
// descriptors nothing else refers to, such as one received over a socket.
// size 0 maps from the offset to the end of the object.
func NewFromOwnedFD(fd int, size int64, opts ...Option) (*Heap, error) {
	o := newOptions(opts)
	h := newHeap(strategyOwnedFD, o)
	h.offset = o.offset
	ctx, span := h.startSpan(o, "shm.NewFromOwnedFD", attribute.Int("fd", fd))
	defer span.End()

	if fd < 0 {
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: fd %d", ErrBadDescriptor, fd))
	}
	if err := checkGeometry(size, o.offset); err != nil {
		closeQuietly(fd)
		return h.fail(ctx, span, stageSize, err)
	}
	return h.mapfd(ctx, span, fd, size)
}

// NewFromDevice opens and maps the device at path. size 0 uses the size the
// device reports. The path is recorded even if construction fails.
func NewFromDevice(path string, size int64, opts ...Option) (*Heap, error) {
	o := newOptions(opts)
	h := newHeap(strategyDevice, o)
	h.device = path
	ctx, span := h.startSpan(o, "shm.NewFromDevice", attribute.String("device", path))
	defer span.End()

	if err := checkGeometry(size, 0); err != nil {
		return h.fail(ctx, span, stageSize, err)
	}
	fd, err := internalshm.OpenDevice(path, h.flags&ReadOnly != 0, h.flags&NoCaching != 0)
	if err != nil {
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: %w", ErrOpenDevice, err))
	}
	return h.mapfd(ctx, span, fd, size)
}

// NewAnonymous creates a size byte memfd and maps it. The object is sealed
// against resizing; with ReadOnly it is also sealed against future writes, so
// no process can map it writable.
func NewAnonymous(size int64, opts ...Option) (*Heap, error) {
	o := newOptions(opts)
	h := newHeap(strategyAnonymous, o)
	ctx, span := h.startSpan(o, "shm.NewAnonymous", attribute.String("name", o.name))
	defer span.End()

	if size <= 0 {
		return h.fail(ctx, span, stageSize, fmt.Errorf("%w: %d", ErrInvalidSize, size))
	}
	if !internalshm.CanCreateOnDevShm(uint64(size), internalshm.DevShmPath) {
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: size %d", ErrNoSpace, size))
	}
	fd, err := internalshm.MemfdCreate(o.name)
	if err != nil {
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: %w", ErrCreate, err))
	}
	if err := internalshm.Truncate(fd, size); err != nil {
		closeQuietly(fd)
		return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: %w", ErrCreate, err))
	}
	seals := internalshm.SealSize
	if h.flags&ReadOnly != 0 {
		seals |= internalshm.SealFutureWrite
	}
	if err := internalshm.AddSeals(fd, seals); err != nil {
		if h.flags&ReadOnly != 0 {
			closeQuietly(fd)
			return h.fail(ctx, span, stageAcquire, fmt.Errorf("%w: %w", ErrSeal, err))
		}
		heapLogger.Warnf("heap %q left unsealed: %v", o.name, err)
	}
	return h.mapfd(ctx, span, fd, size)
}

func checkGeometry(size, offset int64) error {
	if size < 0 || int64(int(size)) != size {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}
	return nil
}

// mapfd takes ownership of fd and, unless DontMapLocally is set, maps it.
// On any failure fd is closed and the heap is left Failed.
func (h *Heap) mapfd(ctx context.Context, span trace.Span, fd int, size int64) (*Heap, error) {
	if size == 0 {
		n, err := internalshm.NaturalSize(fd)
		if err != nil {
			closeQuietly(fd)
			return h.fail(ctx, span, stageSize, fmt.Errorf("%w: %w", ErrNoNaturalSize, err))
		}
		if n-h.offset <= 0 {
			closeQuietly(fd)
			return h.fail(ctx, span, stageSize, fmt.Errorf("%w: length %d offset %d", ErrNoNaturalSize, n, h.offset))
		}
		size = n - h.offset
		if err := checkGeometry(size, h.offset); err != nil {
			closeQuietly(fd)
			return h.fail(ctx, span, stageSize, err)
		}
	}

	res := &region{fd: fd, owned: true}
	if h.flags&DontMapLocally == 0 {
		mem, err := internalshm.Map(internalshm.MapOptions{
			FD:       fd,
			Offset:   h.offset,
			Size:     int(size),
			ReadOnly: h.flags&ReadOnly != 0,
		})
		if err != nil {
			if cerr := res.release(); cerr != nil {
				heapLogger.Warnf("close fd %d after map failure: %v", fd, cerr)
			}
			return h.fail(ctx, span, stageMap, fmt.Errorf("%w: %w", ErrMap, err))
		}
		res.mem = mem
		heapMappedBytes.Add(float64(len(mem)))
	}
	res.live = true
	heapsLive.Inc()

	h.res = res
	h.size = size
	h.state = StateLive
	h.cleanup = runtime.AddCleanup(h, releaseUnreachable, res)
	h.armed = true

	heapConstructions.WithLabelValues(h.strategy).Inc()
	h.count(ctx, "ok")
	span.SetAttributes(attribute.Int("heap.fd", fd), attribute.Int64("heap.size", size))
	heapLogger.Infof("%s heap ready: %s", h.strategy, h)
	return h, nil
}

func (h *Heap) fail(ctx context.Context, span trace.Span, stage string, err error) (*Heap, error) {
	h.state = StateFailed
	h.err = err
	h.size = 0
	heapFailures.WithLabelValues(h.strategy, stage).Inc()
	h.count(ctx, "failed")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	heapLogger.Errorf("%s heap construction failed at %s: %v", h.strategy, stage, err)
	return h, err
}

func (h *Heap) startSpan(o *options, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("heap.flags", o.flags.String()))
	return o.tracer.Start(context.Background(), name, trace.WithAttributes(attrs...))
}

func (h *Heap) count(ctx context.Context, outcome string) {
	if h.constructions == nil {
		return
	}
	h.constructions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", h.strategy),
		attribute.String("outcome", outcome),
	))
}

func closeQuietly(fd int) {
	if err := internalshm.Close(fd); err != nil {
		heapLogger.Warnf("%v", err)
	}
}

// HeapID returns the descriptor, or InvalidFD if the heap failed or was disposed.
func (h *Heap) HeapID() int {
	return h.res.fd
}

// Base returns the local mapping, or nil when DontMapLocally is set, the heap
// failed or it was disposed.
//
// The slice points at mapped pages, not Go memory, so holding it does not keep
// the heap alive. It is valid only until Dispose and only while h itself is
// reachable; once h is collected the runtime cleanup unmaps the pages and any
// access through the slice faults. Keep h referenced, or call
// runtime.KeepAlive(h) after the last use of the slice.
func (h *Heap) Base() []byte {
	return h.res.mem
}

// Mapped reports whether the heap is mapped in this process.
func (h *Heap) Mapped() bool {
	return h.res.mem != nil
}

// Size returns the heap length in bytes, 0 if construction failed.
func (h *Heap) Size() int64 {
	return h.size
}

// Flags returns the flags the heap was configured with.
func (h *Heap) Flags() Flag {
	return h.flags
}

// Offset returns the offset the mapping starts at in the underlying object.
func (h *Heap) Offset() int64 {
	return h.offset
}

// Device returns the device path, or "" if none was recorded.
func (h *Heap) Device() string {
	return h.device
}

// Owned reports whether Dispose will close the descriptor.
func (h *Heap) Owned() bool {
	return h.res.owned
}

// State returns the lifecycle state.
func (h *Heap) State() State {
	return h.state
}

// Err returns the construction error, nil for heaps that were built.
func (h *Heap) Err() error {
	return h.err
}

// SetDevice records path as the heap's device if none is recorded yet. It
// only annotates the heap; nothing is reopened or remapped.
func (h *Heap) SetDevice(path string) error {
	if path == "" {
		return ErrEmptyDevice
	}
	if h.device != "" {
		return ErrAlreadyExists
	}
	h.device = path
	return nil
}

// Descriptor returns what a transport needs to map this heap remotely. The
// descriptor stays owned by the heap.
func (h *Heap) Descriptor() (Descriptor, error) {
	if h.state != StateLive {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotLive, h.state)
	}
	return Descriptor{
		FD:     h.res.fd,
		Size:   h.size,
		Offset: h.offset,
		Flags:  h.flags,
	}, nil
}

// Dispose unmaps the heap and closes its descriptor. Only the first call on a
// live heap does anything; later calls, and calls on failed heaps, return nil.
func (h *Heap) Dispose() error {
	if h.state != StateLive {
		return nil
	}
	if h.armed {
		h.cleanup.Stop()
		h.armed = false
	}
	fd := h.res.fd
	err := h.res.release()
	h.state = StateDisposed
	if err != nil {
		heapLogger.Warnf("dispose heap fd %d: %v", fd, err)
		return err
	}
	heapLogger.Debugf("disposed heap fd %d", fd)
	return nil
}

// Close implements io.Closer. It is Dispose.
func (h *Heap) Close() error {
	return h.Dispose()
}

func (h *Heap) String() string {
	return fmt.Sprintf("heap{id=%d size=%d offset=%d flags=%s mapped=%t device=%q state=%s}",
		h.HeapID(), h.size, h.offset, h.flags, h.Mapped(), h.device, h.state)
}
