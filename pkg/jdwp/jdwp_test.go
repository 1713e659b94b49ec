package jdwp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshake(t *testing.T) {
	assert.Equal(t, HandshakeNotYet, ParseHandshake([]byte("JDWP-Hand")))
	assert.Equal(t, HandshakeNotYet, ParseHandshake([]byte("garbage")))
	assert.Equal(t, HandshakeGood, ParseHandshake([]byte(Handshake)))
	assert.Equal(t, HandshakeGood, ParseHandshake([]byte(Handshake+"\x00\x00")))
	assert.Equal(t, HandshakeBad, ParseHandshake([]byte("JDWP-Handshakf")))
}

func TestParsePacketNeedsHeader(t *testing.T) {
	p, err := ParsePacket([]byte{0, 0, 0, 11, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParsePacketBadLength(t *testing.T) {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(b, 10)
	_, err := ParsePacket(b)
	require.True(t, errors.Is(err, ErrBadLength))
}

func TestParsePacketIncomplete(t *testing.T) {
	b := NewChunkPacket(TagOf("HELO"), []byte{0, 0, 0, 1}).Bytes()
	p, err := ParsePacket(b[:len(b)-1])
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestChunkPacketRoundTrip(t *testing.T) {
	var last uint32
	for i, payload := range [][]byte{nil, {1}, bytes.Repeat([]byte{0xAB}, 5000)} {
		p := NewChunkPacket(TagOf("HPIF"), payload)
		if i > 0 && p.ID <= last {
			t.Fatalf("id %#x not greater than previous %#x", p.ID, last)
		}
		last = p.ID

		q, err := ParsePacket(p.Bytes())
		require.NoError(t, err)
		require.NotNil(t, q)
		assert.True(t, q.IsDDM())
		assert.False(t, q.IsReply())
		assert.Equal(t, p.ID, q.ID)

		tag, body, err := q.Chunk()
		require.NoError(t, err)
		assert.Equal(t, "HPIF", tag.String())
		assert.Equal(t, len(payload), len(body))
		assert.True(t, bytes.Equal(payload, body))
		assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(q.Data[4:]))
	}
}

func TestIdsStartHigh(t *testing.T) {
	assert.GreaterOrEqual(t, NextID(), uint32(0x40000000))
}

func TestReplyPacket(t *testing.T) {
	p := NewReplyPacket(42, 99, []byte("x"))
	q, err := ParsePacket(p.Bytes())
	require.NoError(t, err)
	assert.True(t, q.IsReply())
	assert.True(t, q.IsError())
	assert.False(t, q.IsDDM())
	assert.Equal(t, uint16(99), q.ErrorCode)
	assert.Equal(t, uint32(42), q.ID)
}

func TestReplyWithDDMBitsIsNotDDM(t *testing.T) {
	b := NewChunkPacket(TagOf("HELO"), nil).Bytes()
	b[8] = FlagReply
	q, err := ParsePacket(b)
	require.NoError(t, err)
	assert.False(t, q.IsDDM())
}

func TestChunks(t *testing.T) {
	data := AppendChunk(nil, TagOf("THST"), []byte{1, 2})
	data = AppendChunk(data, TagOf("HPIF"), nil)
	p := &Packet{CmdSet: DDMCmdSet, Cmd: DDMCmd, Data: data}
	chunks, err := p.Chunks()
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, TagOf("THST"), chunks[0].Tag)
	assert.Equal(t, []byte{1, 2}, chunks[0].Body)
	assert.Equal(t, TagOf("HPIF"), chunks[1].Tag)
}

func TestShortChunk(t *testing.T) {
	data := AppendChunk(nil, TagOf("THST"), []byte{1, 2, 3})
	_, _, _, err := ParseChunk(data[:len(data)-1])
	require.ErrorIs(t, err, ErrShortChunk)
}

func TestBufferGrowsAndExtracts(t *testing.T) {
	b := NewBuffer(1 << 20)
	assert.Equal(t, InitialBufferSize, b.Cap())

	p1 := NewChunkPacket(TagOf("HELO"), bytes.Repeat([]byte{1}, 3000))
	p2 := NewCommandPacket(64, 100, []byte{7})
	src := bytes.NewReader(append(p1.Bytes(), p2.Bytes()...))
	for src.Len() > 0 {
		_, err := b.ReadFrom(src)
		require.NoError(t, err)
	}
	assert.Equal(t, 2*InitialBufferSize, b.Cap())

	got, err := b.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, p1.ID, got.ID)
	got, err = b.NextPacket()
	require.NoError(t, err)
	assert.Equal(t, p2.ID, got.ID)
	assert.Equal(t, byte(64), got.CmdSet)
	got, err = b.NextPacket()
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, b.Len())
}

func TestBufferCeiling(t *testing.T) {
	b := NewBuffer(4 * 1024)
	_, err := b.Write(make([]byte, 4*1024))
	require.NoError(t, err)
	_, err = b.Write([]byte{1})
	require.ErrorIs(t, err, ErrBufferOverflow)
	_, err = b.ReadFrom(bytes.NewReader([]byte{1}))
	require.ErrorIs(t, err, ErrBufferOverflow)
}
