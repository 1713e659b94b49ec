package jdwp

import (
	"errors"
	"fmt"
	"io"
)

const (
	// InitialBufferSize is the starting capacity of a Buffer.
	InitialBufferSize = 2 * 1024
)

// ErrBufferOverflow is returned when a Buffer would need to grow past its
// ceiling.
var ErrBufferOverflow = errors.New("jdwp: read buffer ceiling exceeded")

// Buffer accumulates bytes read from a JDWP stream. It starts small and
// doubles when full, up to a hard ceiling.
type Buffer struct {
	buf []byte
	max int
}

// NewBuffer returns a buffer that never grows past max bytes.
func NewBuffer(max int) *Buffer {
	size := InitialBufferSize
	if max > 0 && size > max {
		size = max
	}
	return &Buffer{buf: make([]byte, 0, size), max: max}
}

// Bytes returns the unconsumed bytes.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// Cap returns the current capacity.
func (b *Buffer) Cap() int {
	return cap(b.buf)
}

// Consume discards the first n bytes.
func (b *Buffer) Consume(n int) {
	rest := copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}

// ReadFrom performs a single read from r into the free space of the
// buffer, growing it first if it is full.
func (b *Buffer) ReadFrom(r io.Reader) (int, error) {
	if len(b.buf) == cap(b.buf) {
		if err := b.grow(); err != nil {
			return 0, err
		}
	}
	n, err := r.Read(b.buf[len(b.buf):cap(b.buf)])
	b.buf = b.buf[:len(b.buf)+n]
	return n, err
}

// Write appends p, growing as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	for cap(b.buf)-len(b.buf) < len(p) {
		if err := b.grow(); err != nil {
			return 0, err
		}
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *Buffer) grow() error {
	size := cap(b.buf) * 2
	if size == 0 {
		size = InitialBufferSize
	}
	if b.max > 0 && size > b.max {
		if cap(b.buf) >= b.max {
			return fmt.Errorf("%w (%d bytes)", ErrBufferOverflow, b.max)
		}
		size = b.max
	}
	nb := make([]byte, len(b.buf), size)
	copy(nb, b.buf)
	b.buf = nb
	return nil
}

// NextPacket extracts the next complete packet, or returns nil if more
// data is needed. The returned packet does not alias the buffer.
func (b *Buffer) NextPacket() (*Packet, error) {
	p, err := ParsePacket(b.buf)
	if p == nil || err != nil {
		return nil, err
	}
	p = p.Clone()
	b.Consume(p.Len())
	return p, nil
}
