// Package fifo provides a fixed-capacity byte queue with a read cursor,
// used for command and response buffers.
package fifo

import (
	"errors"
	"io"
)

// ErrFull is returned when a put would exceed the capacity.
var ErrFull = errors.New("fifo full")

// Fifo holds at most Cap bytes. Reads consume from the front; writes
// append at the back. The zero value has capacity 0.
type Fifo struct {
	buf  []byte
	head int
	tail int
}

// New returns an empty fifo with the given capacity.
func New(capacity int) *Fifo {
	return &Fifo{buf: make([]byte, capacity)}
}

// Cap returns the capacity.
func (f *Fifo) Cap() int { return len(f.buf) }

// Len returns the number of unread bytes.
func (f *Fifo) Len() int { return f.tail - f.head }

// Reset empties the fifo. The backing storage is kept as is.
func (f *Fifo) Reset() {
	f.head, f.tail = 0, 0
}

// Fill resets the fifo to hold exactly data.
func (f *Fifo) Fill(data []byte) error {
	if len(data) > len(f.buf) {
		return ErrFull
	}
	f.head = 0
	f.tail = copy(f.buf, data)
	return nil
}

func (f *Fifo) compact() {
	if f.head == 0 {
		return
	}
	n := copy(f.buf, f.buf[f.head:f.tail])
	f.head, f.tail = 0, n
}

// Write appends p in full or not at all.
func (f *Fifo) Write(p []byte) (int, error) {
	if f.Len()+len(p) > len(f.buf) {
		return 0, ErrFull
	}
	if f.tail+len(p) > len(f.buf) {
		f.compact()
	}
	f.tail += copy(f.buf[f.tail:], p)
	return len(p), nil
}

// WriteByte appends one byte.
func (f *Fifo) WriteByte(c byte) error {
	_, err := f.Write([]byte{c})
	return err
}

// Read consumes up to len(p) bytes. It returns io.EOF when empty.
func (f *Fifo) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if f.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.head:f.tail])
	f.head += n
	return n, nil
}

// ReadByte consumes one byte.
func (f *Fifo) ReadByte() (byte, error) {
	if f.Len() == 0 {
		return 0, io.EOF
	}
	c := f.buf[f.head]
	f.head++
	return c, nil
}

// Peek returns n unread bytes starting offset bytes past the cursor
// without consuming them. The slice aliases the fifo.
func (f *Fifo) Peek(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > f.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	start := f.head + offset
	return f.buf[start : start+n], nil
}

// Skip discards up to n unread bytes and returns the number discarded.
func (f *Fifo) Skip(n int) int {
	if n > f.Len() {
		n = f.Len()
	}
	f.head += n
	return n
}

// Bytes returns the unread bytes. The slice aliases the fifo.
func (f *Fifo) Bytes() []byte {
	return f.buf[f.head:f.tail]
}

// Drain consumes and returns a copy of all unread bytes.
func (f *Fifo) Drain() []byte {
	out := append([]byte(nil), f.Bytes()...)
	f.Reset()
	return out
}
