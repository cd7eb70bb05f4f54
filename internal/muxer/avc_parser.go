package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FLV video tag constants
const (
	FLVCodecAVC = 7

	FLVFrameTypeKey   = 1
	FLVFrameTypeInter = 2

	AVCPacketTypeSequenceHeader = 0
	AVCPacketTypeNALU           = 1
	AVCPacketTypeEndOfSequence  = 2
)

var (
	ErrShortTag = errors.New("video tag too short")
	ErrNotAVC   = errors.New("video tag is not H.264/AVC")
)

// AVCDecoderConfigurationRecord represents the AVC configuration from FLV/RTMP.
// This is sent as the first video packet when a stream starts.
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets
}

// ParseAVCDecoderConfigurationRecord parses the AVCC structure carried by an
// AVC sequence header (AVCPacketType 0)
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &AVCDecoderConfigurationRecord{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		// reserved (6 bits) + length size minus one (2 bits)
		NALUnitLength: data[4]&0x03 + 1,
	}

	r := bytes.NewReader(data[5:])

	// reserved (3 bits) + number of SPS (5 bits)
	numOfSPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if record.SPS, err = readParameterSets(r, int(numOfSPS&0x1F)); err != nil {
		return nil, fmt.Errorf("failed to read SPS: %w", err)
	}

	numOfPPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if record.PPS, err = readParameterSets(r, int(numOfPPS)); err != nil {
		return nil, fmt.Errorf("failed to read PPS: %w", err)
	}

	return record, nil
}

func readParameterSets(r *bytes.Reader, count int) ([][]byte, error) {
	sets := make([][]byte, count)
	for i := range sets {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		set := make([]byte, length)
		if _, err := io.ReadFull(r, set); err != nil {
			return nil, err
		}
		sets[i] = set
	}
	return sets, nil
}

// FLVVideoTag is the parsed header of an FLV/RTMP video message
type FLVVideoTag struct {
	FrameType       uint8
	CodecID         uint8
	AVCPacketType   uint8
	CompositionTime int32
	Data            []byte // AVC payload, aliases the input
}

// IsKeyFrame reports whether the tag carries a key frame (IDR)
func (t *FLVVideoTag) IsKeyFrame() bool {
	return t.FrameType == FLVFrameTypeKey
}

// IsSequenceHeader reports whether the tag carries an AVCDecoderConfigurationRecord
func (t *FLVVideoTag) IsSequenceHeader() bool {
	return t.AVCPacketType == AVCPacketTypeSequenceHeader
}

// ParseFLVVideoTag extracts the frame type, packet type and AVC payload of an FLV video tag
func ParseFLVVideoTag(data []byte) (*FLVVideoTag, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortTag, len(data))
	}

	// Byte 0: Frame type (4 bits) + Codec ID (4 bits)
	tag := &FLVVideoTag{
		FrameType: (data[0] >> 4) & 0x0F,
		CodecID:   data[0] & 0x0F,
	}
	if tag.CodecID != FLVCodecAVC {
		return nil, fmt.Errorf("%w: codec %d", ErrNotAVC, tag.CodecID)
	}

	tag.AVCPacketType = data[1]

	// Bytes 2-4: composition time offset, signed 24-bit
	ct := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	if ct&0x800000 != 0 {
		ct -= 1 << 24
	}
	tag.CompositionTime = ct
	tag.Data = data[5:]
	return tag, nil
}

// PrependSPSPPSAnnexB prepends SPS and PPS to frame data in Annex-B format
func PrependSPSPPSAnnexB(frameData []byte, sps, pps [][]byte) []byte {
	size := len(frameData)
	for _, s := range sps {
		size += len(StartCode4) + len(s)
	}
	for _, p := range pps {
		size += len(StartCode4) + len(p)
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for _, s := range sps {
		buf.Write(StartCode4)
		buf.Write(s)
	}
	for _, p := range pps {
		buf.Write(StartCode4)
		buf.Write(p)
	}
	buf.Write(frameData)
	return buf.Bytes()
}
