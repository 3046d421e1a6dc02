//go:build unix

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	internaltransport "github.com/srediag/shmheap/internal/transport"
	"github.com/srediag/shmheap/pkg/shm"
)

const (
	defaultDialInitialInterval = 20 * time.Millisecond
	defaultDialMaxInterval     = time.Second
	defaultDialMaxElapsedTime  = 10 * time.Second
)

// Client fetches heaps from a Server. A Client is not safe for concurrent use.
type Client struct {
	conn *net.UnixConn
	buf  [maxFrameLength]byte
}

// DefaultDialBackOff is the retry policy Dial uses.
func DefaultDialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultDialInitialInterval
	b.MaxInterval = defaultDialMaxInterval
	b.MaxElapsedTime = defaultDialMaxElapsedTime
	return b
}

// Dial connects to the server at path, retrying with DefaultDialBackOff while
// the socket does not exist yet or refuses connections.
func Dial(ctx context.Context, path string) (*Client, error) {
	return DialWithBackOff(ctx, path, DefaultDialBackOff())
}

// DialWithBackOff is Dial with a caller supplied retry policy.
func DialWithBackOff(ctx context.Context, path string, b backoff.BackOff) (*Client, error) {
	var conn *net.UnixConn
	op := func() error {
		c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	notify := func(err error, d time.Duration) {
		transportLogger.Debugf("dial %s: %v, retry in %s", path, err, d)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Fetch asks the server for name and maps the heap it returns. extra is
// OR-ed into the published flags, e.g. DontMapLocally to relay a heap without
// mapping it. The heap owns the descriptor received from the server.
func (c *Client) Fetch(name string, extra shm.Flag) (*shm.Heap, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := EncodeFrame(buf, Frame{Status: StatusRequest, Name: name}); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(buf.B); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	n, fd, err := internaltransport.RecvFD(c.conn, c.buf[:])
	if err != nil && !errors.Is(err, internaltransport.ErrNoDescriptor) {
		return nil, err
	}
	resp, err := c.completeFrame(n)
	if err != nil {
		closeReceived(fd)
		return nil, err
	}
	if err := statusError(resp.Status); err != nil {
		closeReceived(fd)
		return nil, fmt.Errorf("fetch %q: %w", name, err)
	}
	if fd < 0 {
		return nil, fmt.Errorf("fetch %q: %w", name, internaltransport.ErrNoDescriptor)
	}

	heap, err := shm.NewFromOwnedFD(fd, resp.Size, shm.WithFlags(resp.Flags|extra), shm.WithOffset(resp.Offset))
	if err != nil {
		return heap, fmt.Errorf("fetch %q: %w", name, err)
	}
	return heap, nil
}

// completeFrame finishes reading a response whose first n bytes are in c.buf.
func (c *Client) completeFrame(n int) (Frame, error) {
	if n < frameHeaderLength {
		if _, err := io.ReadFull(c.conn, c.buf[n:frameHeaderLength]); err != nil {
			return Frame{}, fmt.Errorf("read response: %w", err)
		}
		n = frameHeaderLength
	}
	total, err := frameLength(c.buf[:frameHeaderLength])
	if err != nil {
		return Frame{}, err
	}
	if n < total {
		if _, err := io.ReadFull(c.conn, c.buf[n:total]); err != nil {
			return Frame{}, fmt.Errorf("read response: %w", err)
		}
	}
	return DecodeFrame(c.buf[:total])
}

func closeReceived(fd int) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		transportLogger.Warnf("close received fd %d: %v", fd, err)
	}
}

// Close closes the connection. Heaps already fetched stay valid.
func (c *Client) Close() error {
	return c.conn.Close()
}
