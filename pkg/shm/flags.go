package shm

import (
	"strconv"
	"strings"
)

// Flag is the option bit-set shared with remote consumers of a heap.
type Flag uint32

const (
	// ReadOnly maps the heap without write access. Same value as the IPC
	// memory heap interface uses.
	ReadOnly Flag = 0x00000001
	// DontMapLocally keeps the descriptor valid and transferable but never maps
	// it in this process.
	DontMapLocally Flag = 0x00000100
	// NoCaching asks for uncached memory attributes.
	NoCaching Flag = 0x00000200
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{ReadOnly, "ReadOnly"},
	{DontMapLocally, "DontMapLocally"},
	{NoCaching, "NoCaching"},
}

// Has reports whether every bit in o is set in f.
func (f Flag) Has(o Flag) bool {
	return f&o == o
}

func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	rest := f
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}
