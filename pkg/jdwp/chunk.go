package jdwp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag is the 4 character type of a DDM chunk, stored big-endian.
type Tag uint32

// TagOf converts a 4 character ASCII string to a Tag.
func TagOf(s string) Tag {
	if len(s) != 4 {
		panic(fmt.Sprintf("bad chunk tag %q", s))
	}
	return Tag(binary.BigEndian.Uint32([]byte(s)))
}

func (t Tag) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(t))
	return string(b[:])
}

// ErrShortChunk is returned when a chunk header announces more bytes than
// the payload holds.
var ErrShortChunk = errors.New("jdwp: chunk shorter than its header says")

// AppendChunk appends a chunk header and payload to b.
func AppendChunk(b []byte, tag Tag, payload []byte) []byte {
	var hdr [ChunkHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:], uint32(tag))
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	b = append(b, hdr[:]...)
	return append(b, payload...)
}

// ParseChunk decodes the chunk at the start of data and returns the
// remaining bytes.
func ParseChunk(data []byte) (tag Tag, body, rest []byte, err error) {
	if len(data) < ChunkHeaderLen {
		return 0, nil, nil, ErrShortChunk
	}
	tag = Tag(binary.BigEndian.Uint32(data))
	n := binary.BigEndian.Uint32(data[4:])
	if uint64(len(data)-ChunkHeaderLen) < uint64(n) {
		return 0, nil, nil, fmt.Errorf("%w: %s wants %d bytes, has %d", ErrShortChunk, tag, n, len(data)-ChunkHeaderLen)
	}
	end := ChunkHeaderLen + int(n)
	return tag, data[ChunkHeaderLen:end], data[end:], nil
}

// Chunk returns the first chunk of a DDM packet or of a reply to one.
func (p *Packet) Chunk() (Tag, []byte, error) {
	tag, body, _, err := ParseChunk(p.Data)
	return tag, body, err
}

// Chunk is a decoded DDM chunk.
type Chunk struct {
	Tag  Tag
	Body []byte
}

// Chunks decodes every chunk packed back to back in p's payload.
func (p *Packet) Chunks() ([]Chunk, error) {
	var r []Chunk
	data := p.Data
	for len(data) > 0 {
		tag, body, rest, err := ParseChunk(data)
		if err != nil {
			return r, err
		}
		r = append(r, Chunk{tag, body})
		data = rest
	}
	return r, nil
}
