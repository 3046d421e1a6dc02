package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/shmheap/pkg/shm"
)

// frame layout: magic 4 byte | version 1 byte | status 1 byte | flags 4 byte |
// size 8 byte | offset 8 byte | name length 2 byte | name
const (
	frameMagic        = "SHMH"
	frameVersion      = 1
	frameHeaderLength = 4 + 1 + 1 + 4 + 8 + 8 + 2

	versionOffset = 4
	statusOffset  = versionOffset + 1
	flagsOffset   = statusOffset + 1
	sizeOffset    = flagsOffset + 4
	offsetOffset  = sizeOffset + 8
	nameLenOffset = offsetOffset + 8

	// MaxNameLength bounds the heap name carried by a frame.
	MaxNameLength  = 255
	maxFrameLength = frameHeaderLength + MaxNameLength
)

// Status is the outcome a server reports for a request.
type Status uint8

const (
	StatusRequest Status = iota
	StatusOK
	StatusNotFound
	StatusUnavailable
)

var (
	ErrBadMagic     = errors.New("bad frame magic")
	ErrBadVersion   = errors.New("unsupported frame version")
	ErrShortFrame   = errors.New("short frame")
	ErrNameTooLong  = errors.New("heap name too long")
	ErrNotFound     = errors.New("heap not published")
	ErrUnavailable  = errors.New("heap unavailable")
	ErrAlreadyExist = errors.New("heap already published")
)

// Frame describes a heap on the wire. The descriptor itself travels as
// SCM_RIGHTS next to the frame.
type Frame struct {
	Status Status
	Name   string
	Flags  shm.Flag
	Size   int64
	Offset int64
}

// EncodeFrame appends f to buf.
func EncodeFrame(buf *bytebufferpool.ByteBuffer, f Frame) error {
	if len(f.Name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(f.Name))
	}
	var hdr [frameHeaderLength]byte
	copy(hdr[:], frameMagic)
	hdr[versionOffset] = frameVersion
	hdr[statusOffset] = byte(f.Status)
	binary.LittleEndian.PutUint32(hdr[flagsOffset:], uint32(f.Flags))
	binary.LittleEndian.PutUint64(hdr[sizeOffset:], uint64(f.Size))
	binary.LittleEndian.PutUint64(hdr[offsetOffset:], uint64(f.Offset))
	binary.LittleEndian.PutUint16(hdr[nameLenOffset:], uint16(len(f.Name)))
	_, _ = buf.Write(hdr[:])
	_, _ = buf.WriteString(f.Name)
	return nil
}

// frameLength returns the full length of the frame whose header is in b.
func frameLength(b []byte) (int, error) {
	if len(b) < frameHeaderLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if string(b[:4]) != frameMagic {
		return 0, ErrBadMagic
	}
	if b[versionOffset] != frameVersion {
		return 0, fmt.Errorf("%w: %d", ErrBadVersion, b[versionOffset])
	}
	n := int(binary.LittleEndian.Uint16(b[nameLenOffset:]))
	if n > MaxNameLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrNameTooLong, n)
	}
	return frameHeaderLength + n, nil
}

// DecodeFrame parses one frame from the start of b.
func DecodeFrame(b []byte) (Frame, error) {
	n, err := frameLength(b)
	if err != nil {
		return Frame{}, err
	}
	if len(b) < n {
		return Frame{}, fmt.Errorf("%w: %d of %d bytes", ErrShortFrame, len(b), n)
	}
	return Frame{
		Status: Status(b[statusOffset]),
		Flags:  shm.Flag(binary.LittleEndian.Uint32(b[flagsOffset:])),
		Size:   int64(binary.LittleEndian.Uint64(b[sizeOffset:])),
		Offset: int64(binary.LittleEndian.Uint64(b[offsetOffset:])),
		Name:   string(b[frameHeaderLength:n]),
	}, nil
}

func statusError(s Status) error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotFound:
		return ErrNotFound
	case StatusUnavailable:
		return ErrUnavailable
	}
	return fmt.Errorf("unexpected status %d", s)
}
