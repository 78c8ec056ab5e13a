package resource

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Buffer is a page-aligned anonymous mapping. Its address stays fixed until Free, and the
// Go collector never moves or scans it, so it can be handed to the NIC.
type Buffer struct {
	data []byte
}

// NewBuffer maps at least size bytes, rounded up to a whole number of pages.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, size)
	}
	n := pageRound(size)
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}
	return &Buffer{data: data}, nil
}

// Bytes returns the mapped memory, or nil after Free.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the mapped length.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Free unmaps the buffer. It is safe to call more than once.
func (b *Buffer) Free() error {
	if b == nil || b.data == nil {
		return nil
	}
	data := b.data
	b.data = nil
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

func pageRound(n int) int {
	page := unix.Getpagesize()
	return (n + page - 1) / page * page
}
