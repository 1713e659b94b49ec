// Package jdwp frames JDWP packets and the DDM chunks carried inside them.
//
// Every multi-byte integer on the wire is big-endian.
package jdwp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// HeaderLen is the size of a packet header.
	HeaderLen = 11

	// FlagReply marks reply packets.
	FlagReply = 0x80

	// DDMCmdSet and DDMCmd identify a DDM command packet ('G'+128, 1).
	DDMCmdSet = 0xC7
	DDMCmd    = 0x01

	// ChunkHeaderLen is the size of a DDM chunk header.
	ChunkHeaderLen = 8
)

// Handshake is exchanged, in both directions, before any packet.
const Handshake = "JDWP-Handshake"

// HandshakeLen is the length of Handshake.
const HandshakeLen = len(Handshake)

// ErrBadLength is returned for a packet whose length field is smaller than
// its header. The stream cannot be resynchronized after it.
var ErrBadLength = errors.New("jdwp: packet length smaller than header")

// HandshakeResult is the outcome of ParseHandshake.
type HandshakeResult int

const (
	HandshakeNotYet HandshakeResult = iota
	HandshakeGood
	HandshakeBad
)

func (r HandshakeResult) String() string {
	switch r {
	case HandshakeGood:
		return "good"
	case HandshakeBad:
		return "bad"
	}
	return "not yet"
}

// ParseHandshake checks the start of buf against Handshake. The answer is
// HandshakeNotYet until HandshakeLen bytes are available.
func ParseHandshake(buf []byte) HandshakeResult {
	if len(buf) < HandshakeLen {
		return HandshakeNotYet
	}
	if string(buf[:HandshakeLen]) == Handshake {
		return HandshakeGood
	}
	return HandshakeBad
}

// Packet is a JDWP command or reply.
type Packet struct {
	ID    uint32
	Flags byte
	// CmdSet and Cmd are only meaningful for commands.
	CmdSet byte
	Cmd    byte
	// ErrorCode is only meaningful for replies.
	ErrorCode uint16
	Data      []byte
}

// Len returns the value of the length field.
func (p *Packet) Len() int {
	return HeaderLen + len(p.Data)
}

// IsReply reports whether p is a reply.
func (p *Packet) IsReply() bool {
	return p.Flags&FlagReply != 0
}

// IsError reports whether p is a reply carrying an error code.
func (p *Packet) IsError() bool {
	return p.IsReply() && p.ErrorCode != 0
}

// IsDDM reports whether p is a DDM command.
func (p *Packet) IsDDM() bool {
	return !p.IsReply() && p.CmdSet == DDMCmdSet && p.Cmd == DDMCmd
}

// IsEmpty reports whether p has no payload.
func (p *Packet) IsEmpty() bool {
	return len(p.Data) == 0
}

func (p *Packet) String() string {
	if p.IsReply() {
		return fmt.Sprintf("reply id=%#x err=%d len=%d", p.ID, p.ErrorCode, p.Len())
	}
	if p.IsDDM() {
		if tag, body, err := p.Chunk(); err == nil {
			return fmt.Sprintf("ddm id=%#x %s len=%d", p.ID, tag, len(body))
		}
	}
	return fmt.Sprintf("cmd id=%#x %d.%d len=%d", p.ID, p.CmdSet, p.Cmd, p.Len())
}

// Bytes returns the wire form of p.
func (p *Packet) Bytes() []byte {
	b := make([]byte, p.Len())
	binary.BigEndian.PutUint32(b[0:], uint32(p.Len()))
	binary.BigEndian.PutUint32(b[4:], p.ID)
	b[8] = p.Flags
	if p.IsReply() {
		binary.BigEndian.PutUint16(b[9:], p.ErrorCode)
	} else {
		b[9] = p.CmdSet
		b[10] = p.Cmd
	}
	copy(b[HeaderLen:], p.Data)
	return b
}

// WriteTo writes the wire form of p to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.Bytes())
	return int64(n), err
}

// ParsePacket decodes the packet at the start of buf. It returns a nil
// packet and no error when buf does not hold a complete packet yet.
// The packet's Data aliases buf.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < HeaderLen {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(buf)
	if length < HeaderLen {
		return nil, fmt.Errorf("%w: %d", ErrBadLength, length)
	}
	if uint64(len(buf)) < uint64(length) {
		return nil, nil
	}
	p := &Packet{
		ID:    binary.BigEndian.Uint32(buf[4:]),
		Flags: buf[8],
		Data:  buf[HeaderLen:length],
	}
	if p.IsReply() {
		p.ErrorCode = binary.BigEndian.Uint16(buf[9:])
	} else {
		p.CmdSet = buf[9]
		p.Cmd = buf[10]
	}
	return p, nil
}

// Clone returns a copy of p that does not alias any read buffer.
func (p *Packet) Clone() *Packet {
	q := *p
	q.Data = append([]byte(nil), p.Data...)
	return &q
}

// Ids allocated by this process start high so they do not collide with
// the ones a debugger uses for its own requests.
var serial uint32 = 0x40000000 - 1

// NextID returns a fresh, monotonically increasing packet id.
func NextID() uint32 {
	return atomic.AddUint32(&serial, 1)
}

// NewCommandPacket builds a command packet with a fresh id.
func NewCommandPacket(cmdSet, cmd byte, data []byte) *Packet {
	return &Packet{ID: NextID(), CmdSet: cmdSet, Cmd: cmd, Data: data}
}

// NewReplyPacket builds a reply to the command with the given id.
func NewReplyPacket(id uint32, errorCode uint16, data []byte) *Packet {
	return &Packet{ID: id, Flags: FlagReply, ErrorCode: errorCode, Data: data}
}

// NewChunkPacket builds a DDM command carrying one chunk.
func NewChunkPacket(tag Tag, payload []byte) *Packet {
	return NewCommandPacket(DDMCmdSet, DDMCmd, AppendChunk(nil, tag, payload))
}
