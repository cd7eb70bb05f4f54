package muxer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit types
const (
	NALUnitTypeSlice = 1
	NALUnitTypeIDR   = 5
	NALUnitTypeSEI   = 6
	NALUnitTypeSPS   = 7
	NALUnitTypePPS   = 8
	NALUnitTypeAUD   = 9
)

// AnnexB start codes
var (
	// 4-byte start code (used for first NAL or after SPS/PPS)
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code (used for most NALs)
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

var ErrNoNALUnits = errors.New("no NAL units found")

// NALType returns the type of a NAL unit (lower 5 bits of the header byte)
func NALType(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// SplitAVCC splits length-prefixed (AVCC) data into NAL units.
// lengthSize is the prefix width in bytes (1, 2 or 4). Zero-length units are skipped.
// The returned slices alias data.
func SplitAVCC(data []byte, lengthSize int) ([][]byte, error) {
	if lengthSize != 1 && lengthSize != 2 && lengthSize != 4 {
		return nil, fmt.Errorf("unsupported NAL length size %d", lengthSize)
	}

	var nals [][]byte
	offset := 0
	for offset+lengthSize <= len(data) {
		var nalSize int
		switch lengthSize {
		case 1:
			nalSize = int(data[offset])
		case 2:
			nalSize = int(binary.BigEndian.Uint16(data[offset:]))
		default:
			nalSize = int(binary.BigEndian.Uint32(data[offset:]))
		}
		offset += lengthSize

		if nalSize == 0 {
			continue
		}
		if nalSize < 0 || offset+nalSize > len(data) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", nalSize, offset-lengthSize)
		}
		nals = append(nals, data[offset:offset+nalSize])
		offset += nalSize
	}

	if len(nals) == 0 {
		return nil, ErrNoNALUnits
	}
	return nals, nil
}

// SplitAnnexB splits start-code-prefixed (Annex-B) data into NAL units.
// The returned slices alias data.
func SplitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	start := -1
	i := 0
	for i+3 <= len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nals = appendNAL(nals, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nals = appendNAL(nals, data[start:])
	}
	return nals
}

// appendNAL trims the zero byte a 4-byte start code leaves on the previous unit
func appendNAL(nals [][]byte, nal []byte) [][]byte {
	nal = bytes.TrimRight(nal, "\x00")
	if len(nal) == 0 {
		return nals
	}
	return append(nals, nal)
}

// ConvertAVCCToAnnexB converts H.264 from AVCC format (length-prefixed NAL units)
// to Annex-B format (start-code-prefixed NAL units).
//
// AVCC format (used by RTMP/FLV/MP4):
//
//	[4-byte length][NAL unit][4-byte length][NAL unit]...
//
// Annex-B format (used by raw H.264 streams, MPEG-TS):
//
//	[0x00 0x00 0x00 0x01][NAL unit][0x00 0x00 0x00 0x01][NAL unit]...
func ConvertAVCCToAnnexB(avccData []byte, lengthSize int) ([]byte, error) {
	nals, err := SplitAVCC(avccData, lengthSize)
	if err != nil {
		return nil, err
	}

	var annexB bytes.Buffer
	annexB.Grow(len(avccData) + len(nals)*len(StartCode4))
	for _, nal := range nals {
		// 4-byte start codes for parameter sets and IDR slices, 3-byte otherwise
		switch NALType(nal) {
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeIDR:
			annexB.Write(StartCode4)
		default:
			annexB.Write(StartCode3)
		}
		annexB.Write(nal)
	}
	return annexB.Bytes(), nil
}

// IsAVCCFormat detects if data is in AVCC format by checking for a 4-byte length prefix
func IsAVCCFormat(data []byte) bool {
	if len(data) < 5 {
		return false
	}

	nalSize := binary.BigEndian.Uint32(data[0:4])
	if nalSize == 0 || nalSize > uint32(len(data)-4) {
		return false
	}

	// NAL header: forbidden_zero_bit(1) + nal_ref_idc(2) + nal_unit_type(5)
	nalHeader := data[4]
	forbiddenBit := (nalHeader >> 7) & 0x01
	nalType := nalHeader & 0x1F
	return forbiddenBit == 0 && nalType >= 1 && nalType <= 21
}

// IsAnnexBFormat detects if data is in Annex-B format by checking for start codes
func IsAnnexBFormat(data []byte) bool {
	return bytes.HasPrefix(data, StartCode4) || bytes.HasPrefix(data, StartCode3)
}

// ExtractSPSandPPS returns the first SPS and PPS NAL units found in Annex-B data
func ExtractSPSandPPS(annexB []byte) (sps, pps []byte, err error) {
	for _, nal := range SplitAnnexB(annexB) {
		switch NALType(nal) {
		case NALUnitTypeSPS:
			if sps == nil {
				sps = nal
			}
		case NALUnitTypePPS:
			if pps == nil {
				pps = nal
			}
		}
		if sps != nil && pps != nil {
			return sps, pps, nil
		}
	}

	if sps == nil && pps == nil {
		return nil, nil, fmt.Errorf("no SPS or PPS found in data")
	}
	return sps, pps, nil
}
