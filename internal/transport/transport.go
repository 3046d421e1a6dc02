//go:build unix

// Package transport contains the low-level descriptor passing used by pkg/transport.
package transport

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrNoDescriptor is returned by RecvFD when the message carried no descriptor.
var ErrNoDescriptor = errors.New("message carried no descriptor")

// SendFD writes payload to conn with fd attached as SCM_RIGHTS. The caller
// keeps ownership of fd; the kernel installs a new descriptor in the peer.
func SendFD(conn *net.UnixConn, payload []byte, fd int) error {
	oob := unix.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("sendmsg: short write %d/%d payload, %d/%d control", n, len(payload), oobn, len(oob))
	}
	return nil
}

// RecvFD reads one message into payload and returns the descriptor that came
// with it. The caller owns the returned descriptor. Any extra descriptors are
// closed.
func RecvFD(conn *net.UnixConn, payload []byte) (int, int, error) {
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := conn.ReadMsgUnix(payload, oob)
	if err != nil {
		return 0, -1, fmt.Errorf("recvmsg: %w", err)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, -1, fmt.Errorf("parse control message: %w", err)
	}
	fd := -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
				continue
			}
			_ = unix.Close(f)
		}
	}
	if fd < 0 {
		return n, -1, ErrNoDescriptor
	}
	return n, fd, nil
}
