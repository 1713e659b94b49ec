package ddm

import (
	"encoding/binary"
	"errors"

	"golang.org/x/text/encoding/unicode"
)

var errShortBody = errors.New("chunk body too short")

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// bodyReader decodes chunk bodies. The first error sticks, every later
// read returns zero values.
type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) remaining() int {
	return len(r.b)
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b) < n {
		r.err = errShortBody
		return nil
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v
}

func (r *bodyReader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *bodyReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *bodyReader) i32() int {
	return int(int32(r.u32()))
}

func (r *bodyReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// count reads a record count. Records take at least minSize bytes each, so
// a count the rest of the body cannot hold is an error.
func (r *bodyReader) count(minSize int) int {
	n := r.i32()
	if r.err != nil {
		return 0
	}
	if n < 0 || n > r.remaining()/minSize {
		r.err = errShortBody
		return 0
	}
	return n
}

// utf16 reads n UTF-16BE code units.
func (r *bodyReader) utf16(n int) string {
	b := r.take(2 * n)
	if b == nil {
		return ""
	}
	s, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		r.err = err
		return ""
	}
	return string(s)
}

// prefixedUTF16 reads a code unit count followed by the string.
func (r *bodyReader) prefixedUTF16() string {
	return r.utf16(r.i32())
}

// bodyWriter encodes chunk bodies.
type bodyWriter struct {
	b []byte
}

func (w *bodyWriter) u8(v byte) {
	w.b = append(w.b, v)
}

func (w *bodyWriter) u32(v uint32) {
	w.b = binary.BigEndian.AppendUint32(w.b, v)
}

func (w *bodyWriter) u64(v uint64) {
	w.b = binary.BigEndian.AppendUint64(w.b, v)
}

// utf16 writes s as UTF-16BE without a length.
func (w *bodyWriter) utf16(s string) int {
	enc, _ := utf16be.NewEncoder().Bytes([]byte(s))
	w.b = append(w.b, enc...)
	return len(enc) / 2
}

// prefixedUTF16 writes the code unit count of s followed by s.
func (w *bodyWriter) prefixedUTF16(s string) {
	enc, _ := utf16be.NewEncoder().Bytes([]byte(s))
	w.u32(uint32(len(enc) / 2))
	w.b = append(w.b, enc...)
}
