package models

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacket_WireRoundTrip(t *testing.T) {
	in := Packet{StreamID: 7, ChunkID: 3, SequenceNumber: 3, Timestamp: 1700000000123456, Priority: PriorityPredictive, Payload: []byte("hello")}

	buf, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, buf, in.EncodedLen())

	var out Packet
	require.NoError(t, out.UnmarshalBinary(buf))
	assert.Equal(t, in, out)
}

func TestPacket_CorruptionDetected(t *testing.T) {
	in := Packet{StreamID: 1, Payload: []byte{1, 2, 3, 4}}
	buf, err := in.MarshalBinary()
	require.NoError(t, err)

	buf[packetHeaderSize+1] ^= 0xFF

	var out Packet
	assert.ErrorIs(t, out.UnmarshalBinary(buf), ErrChecksumMismatch)
}

func TestPacket_TruncatedInput(t *testing.T) {
	in := Packet{Payload: make([]byte, 32)}
	buf, err := in.MarshalBinary()
	require.NoError(t, err)

	var out Packet
	assert.ErrorIs(t, out.UnmarshalBinary(buf[:len(buf)-1]), ErrPacketTooShort)
	assert.ErrorIs(t, out.UnmarshalBinary(buf[:10]), ErrPacketTooShort)
}

func TestReadPacket_Stream(t *testing.T) {
	var buf bytes.Buffer
	first := Packet{StreamID: 1, SequenceNumber: 0, Payload: []byte("a")}
	second := Packet{StreamID: 1, SequenceNumber: 1, Payload: []byte("bc")}
	require.NoError(t, WritePacket(&buf, &first))
	require.NoError(t, WritePacket(&buf, &second))

	got, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got.Payload)

	got, err = ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.SequenceNumber)
	assert.Equal(t, []byte("bc"), got.Payload)

	_, err = ReadPacket(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPacketBatch_EncodeIncludesRepairs(t *testing.T) {
	batch := PacketBatch{
		StreamID: 2,
		Packets:  []Packet{{StreamID: 2, Payload: []byte("x")}},
		Repairs:  []RepairSymbol{{StreamID: 2, FirstSeq: 0, GroupSize: 1, ParityIndex: 0, Payload: []byte("p")}},
	}
	var buf bytes.Buffer
	require.NoError(t, batch.Encode(&buf))

	_, err := ReadPacket(&buf)
	require.NoError(t, err)
	repair, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), repair.Priority)
	assert.Equal(t, uint32(1)<<8, repair.SequenceNumber)
}

func TestEdgeNode_SupportsAll(t *testing.T) {
	n := EdgeNode{SupportedCodecs: []string{"h264", "aac"}}
	assert.True(t, n.SupportsAll(nil))
	assert.True(t, n.SupportsAll([]string{"aac"}))
	assert.False(t, n.SupportsAll([]string{"h264", "av1"}))
}
