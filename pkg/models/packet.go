package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Priority tiers assigned by the packetizer
const (
	PriorityKey           uint8 = 255 // every 100th chunk
	PriorityPredictive    uint8 = 200 // every 10th chunk
	PriorityBidirectional uint8 = 100 // everything else
)

// Packet wire layout (big-endian):
//
//	streamId u32 | chunkId u32 | sequenceNumber u32 | timestamp u64 | priority u8 |
//	payloadLen u32 | payload | crc32 u32
//
// The CRC-32 (IEEE) covers every byte before it.
const (
	packetHeaderSize  = 4 + 4 + 4 + 8 + 1 + 4
	packetTrailerSize = 4

	// MaxPacketPayload bounds payloadLen when decoding untrusted input
	MaxPacketPayload = 1 << 20
)

var (
	ErrChecksumMismatch = errors.New("packet checksum mismatch")
	ErrPacketTooShort   = errors.New("packet too short")
	ErrPayloadTooLarge  = errors.New("packet payload too large")
)

// Packet is one outbound slice of a media buffer
type Packet struct {
	StreamID       uint32 `json:"streamId"`
	ChunkID        uint32 `json:"chunkId"`
	SequenceNumber uint32 `json:"sequenceNumber"`
	Timestamp      uint64 `json:"timestamp"` // microseconds since epoch
	Priority       uint8  `json:"priority"`
	Payload        []byte `json:"-"`
}

// EncodedLen returns the number of bytes MarshalBinary produces
func (p *Packet) EncodedLen() int {
	return packetHeaderSize + len(p.Payload) + packetTrailerSize
}

// MarshalBinary encodes the packet in wire format
func (p *Packet) MarshalBinary() ([]byte, error) {
	if len(p.Payload) > MaxPacketPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, p.EncodedLen())
	binary.BigEndian.PutUint32(buf[0:4], p.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], p.ChunkID)
	binary.BigEndian.PutUint32(buf[8:12], p.SequenceNumber)
	binary.BigEndian.PutUint64(buf[12:20], p.Timestamp)
	buf[20] = p.Priority
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(p.Payload)))
	copy(buf[packetHeaderSize:], p.Payload)

	end := packetHeaderSize + len(p.Payload)
	binary.BigEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))
	return buf, nil
}

// UnmarshalBinary decodes a packet produced by MarshalBinary.
// The payload is copied out of data.
func (p *Packet) UnmarshalBinary(data []byte) error {
	if len(data) < packetHeaderSize+packetTrailerSize {
		return ErrPacketTooShort
	}
	payloadLen := binary.BigEndian.Uint32(data[21:25])
	if payloadLen > MaxPacketPayload {
		return ErrPayloadTooLarge
	}
	end := packetHeaderSize + int(payloadLen)
	if len(data) < end+packetTrailerSize {
		return ErrPacketTooShort
	}
	if crc32.ChecksumIEEE(data[:end]) != binary.BigEndian.Uint32(data[end:end+packetTrailerSize]) {
		return ErrChecksumMismatch
	}

	p.StreamID = binary.BigEndian.Uint32(data[0:4])
	p.ChunkID = binary.BigEndian.Uint32(data[4:8])
	p.SequenceNumber = binary.BigEndian.Uint32(data[8:12])
	p.Timestamp = binary.BigEndian.Uint64(data[12:20])
	p.Priority = data[20]
	p.Payload = append([]byte(nil), data[packetHeaderSize:end]...)
	return nil
}

// WritePacket writes one framed packet to w
func WritePacket(w io.Writer, p *Packet) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// ReadPacket reads one framed packet from r.
// It returns io.EOF only when r is exhausted before the first byte.
func ReadPacket(r io.Reader) (*Packet, error) {
	header := make([]byte, packetHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrPacketTooShort
		}
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(header[21:25])
	if payloadLen > MaxPacketPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, packetHeaderSize+int(payloadLen)+packetTrailerSize)
	copy(buf, header)
	if _, err := io.ReadFull(r, buf[packetHeaderSize:]); err != nil {
		return nil, ErrPacketTooShort
	}

	p := &Packet{}
	if err := p.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return p, nil
}

// RepairSymbol is one Reed-Solomon parity shard protecting a group of packets
type RepairSymbol struct {
	StreamID    uint32 `json:"streamId"`
	FirstSeq    uint32 `json:"firstSeq"`    // sequence number of the first protected packet
	GroupSize   uint8  `json:"groupSize"`   // number of protected packets
	ParityIndex uint8  `json:"parityIndex"` // shard index among the parity shards
	Payload     []byte `json:"-"`
}

// PacketBatch is the outbound result of processing one video frame
type PacketBatch struct {
	Kind      FrameKind
	StreamID  uint32
	FrameID   uint32
	KeyFrame  bool
	Packets   []Packet
	Repairs   []RepairSymbol
	CreatedAt int64 // microseconds since epoch
}

// WirePackets returns the batch packets followed by the repair symbols as
// packets with Priority 0, ChunkID set to FirstSeq and SequenceNumber set
// to GroupSize<<8 | ParityIndex.
func (b *PacketBatch) WirePackets() []Packet {
	out := make([]Packet, 0, len(b.Packets)+len(b.Repairs))
	out = append(out, b.Packets...)
	for _, r := range b.Repairs {
		out = append(out, Packet{
			StreamID:       r.StreamID,
			ChunkID:        r.FirstSeq,
			SequenceNumber: uint32(r.GroupSize)<<8 | uint32(r.ParityIndex),
			Timestamp:      uint64(b.CreatedAt),
			Priority:       0,
			Payload:        r.Payload,
		})
	}
	return out
}

// Encode serializes WirePackets back to back in wire format
func (b *PacketBatch) Encode(w io.Writer) error {
	packets := b.WirePackets()
	for i := range packets {
		if err := WritePacket(w, &packets[i]); err != nil {
			return err
		}
	}
	return nil
}
