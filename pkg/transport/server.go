//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"

	internaltransport "github.com/srediag/shmheap/internal/transport"
	"github.com/srediag/shmheap/pkg/shm"
)

var ErrServerClosed = errors.New("transport server closed")

// published is the server's own remote-only duplicate of a heap. mu keeps the
// descriptor open while it is being sent.
type published struct {
	mu    sync.RWMutex
	heap  *shm.Heap
	flags shm.Flag
}

func (p *published) dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.heap.Dispose(); err != nil {
		transportLogger.Warnf("dispose published heap: %v", err)
	}
}

// Server publishes heaps by name on a unix socket.
type Server struct {
	conf    *ServerConfig
	heaps   cmap.ConcurrentMap[string, *published]
	pending *queue.Queue
	pool    *ants.Pool

	mu     sync.Mutex
	ln     *net.UnixListener
	conns  map[*net.UnixConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a Server for conf. Call Listen and Serve to start it.
func NewServer(conf *ServerConfig) (*Server, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(conf.Workers, ants.WithPanicHandler(func(p interface{}) {
		transportLogger.Errorf("connection handler panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Server{
		conf:    conf,
		heaps:   cmap.New[*published](),
		pending: queue.New(conf.QueueHint),
		pool:    pool,
		conns:   make(map[*net.UnixConn]struct{}),
	}, nil
}

// Publish makes h fetchable under name. The server duplicates the descriptor,
// so h may be disposed afterwards without affecting peers.
func (s *Server) Publish(name string, h *shm.Heap) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	desc, err := h.Descriptor()
	if err != nil {
		return fmt.Errorf("publish %q: %w", name, err)
	}
	own, err := shm.NewFromFD(desc.FD, desc.Size,
		shm.WithFlags(desc.Flags|shm.DontMapLocally), shm.WithOffset(desc.Offset))
	if err != nil {
		return fmt.Errorf("publish %q: %w", name, err)
	}
	if !s.heaps.SetIfAbsent(name, &published{heap: own, flags: desc.Flags}) {
		_ = own.Dispose()
		return fmt.Errorf("%w: %q", ErrAlreadyExist, name)
	}
	publishedHeaps.Inc()
	transportLogger.Infof("published %q: %s", name, own)
	return nil
}

// Unpublish removes name and closes the server's duplicate. Peers that already
// mapped the heap keep their mappings.
func (s *Server) Unpublish(name string) bool {
	p, ok := s.heaps.Pop(name)
	if !ok {
		return false
	}
	p.dispose()
	publishedHeaps.Dec()
	return true
}

// Published returns the published heap names.
func (s *Server) Published() []string {
	return s.heaps.Keys()
}

// Listen binds the socket. A stale socket file at the path is removed first.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.ln != nil {
		return nil
	}
	if err := os.Remove(s.conf.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.conf.Path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.conf.Path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.conf.Path, err)
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is done or Close is called. It returns
// nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	// Added under mu so Close cannot reach wg.Wait first.
	s.wg.Add(1)
	ln := s.ln
	s.mu.Unlock()
	go s.dispatch()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if err := s.pending.Put(conn); err != nil {
			_ = conn.Close()
			return nil
		}
	}
}

// dispatch hands queued connections to the worker pool. Submit blocks while
// every worker is busy.
func (s *Server) dispatch() {
	defer s.wg.Done()
	for {
		items, err := s.pending.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			conn := item.(*net.UnixConn)
			s.wg.Add(1)
			if err := s.pool.Submit(func() {
				defer s.wg.Done()
				s.handle(conn)
			}); err != nil {
				s.wg.Done()
				transportLogger.Warnf("submit connection: %v", err)
				_ = conn.Close()
			}
		}
	}
}

func (s *Server) handle(conn *net.UnixConn) {
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	var buf [maxFrameLength]byte
	for {
		if s.conf.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.conf.IdleTimeout))
		}
		req, err := readFrame(conn, buf[:])
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				transportLogger.Debugf("read request: %v", err)
			}
			return
		}
		transportLogger.Tracef("request %q flags %s", req.Name, req.Flags)
		if err := s.respond(conn, req); err != nil {
			transportLogger.Warnf("respond to %q: %v", req.Name, err)
			return
		}
	}
}

func (s *Server) respond(conn *net.UnixConn, req Frame) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	p, ok := s.heaps.Get(req.Name)
	if !ok {
		return writeStatus(conn, buf, req.Name, StatusNotFound)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.heap.State() != shm.StateLive {
		return writeStatus(conn, buf, req.Name, StatusUnavailable)
	}
	if err := EncodeFrame(buf, Frame{
		Status: StatusOK,
		Name:   req.Name,
		Flags:  p.flags,
		Size:   p.heap.Size(),
		Offset: p.heap.Offset(),
	}); err != nil {
		return err
	}
	if err := internaltransport.SendFD(conn, buf.B, p.heap.HeapID()); err != nil {
		return err
	}
	requestsTotal.WithLabelValues(statusLabel(StatusOK)).Inc()
	descriptorsSent.Inc()
	return nil
}

func writeStatus(conn *net.UnixConn, buf *bytebufferpool.ByteBuffer, name string, status Status) error {
	if err := EncodeFrame(buf, Frame{Status: status, Name: name}); err != nil {
		return err
	}
	requestsTotal.WithLabelValues(statusLabel(status)).Inc()
	_, err := conn.Write(buf.B)
	return err
}

func readFrame(r io.Reader, buf []byte) (Frame, error) {
	if _, err := io.ReadFull(r, buf[:frameHeaderLength]); err != nil {
		return Frame{}, err
	}
	n, err := frameLength(buf[:frameHeaderLength])
	if err != nil {
		return Frame{}, err
	}
	if _, err := io.ReadFull(r, buf[frameHeaderLength:n]); err != nil {
		return Frame{}, err
	}
	return DecodeFrame(buf[:n])
}

func (s *Server) track(conn *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting, closes every connection, waits for the handlers and
// disposes every published duplicate. Calling it again is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	for _, item := range s.pending.Dispose() {
		_ = item.(*net.UnixConn).Close()
	}
	s.wg.Wait()
	s.pool.Release()

	for _, name := range s.heaps.Keys() {
		s.Unpublish(name)
	}
	return errors.Join(errs...)
}
