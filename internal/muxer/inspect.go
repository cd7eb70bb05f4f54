package muxer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"edgestream/pkg/models"
)

// Frame formats reported by Inspect
const (
	FormatFLV    = "flv"
	FormatAVCC   = "avcc"
	FormatAnnexB = "annexb"
	FormatRaw    = "raw"
)

// Inspect classifies a video payload without modifying it. Annex-B is
// checked first since its start code cannot begin an FLV tag.
func Inspect(data []byte) models.FrameInfo {
	info := models.FrameInfo{Format: FormatRaw, Size: len(data)}

	switch {
	case IsAnnexBFormat(data):
		info.Format = FormatAnnexB
		inspectNALs(&info, SplitAnnexB(data))
	case IsAVCCFormat(data):
		info.Format = FormatAVCC
		if nals, err := SplitAVCC(data, 4); err == nil {
			inspectNALs(&info, nals)
		}
	default:
		tag, err := ParseFLVVideoTag(data)
		if err != nil {
			return info
		}
		info.Format = FormatFLV
		info.IsConfig = tag.IsSequenceHeader()
		info.IsKeyFrame = tag.IsKeyFrame() && !info.IsConfig
		if tag.AVCPacketType == AVCPacketTypeNALU {
			if nals, err := SplitAVCC(tag.Data, 4); err == nil {
				info.NALType = NALType(nals[0])
			}
		}
	}
	return info
}

func inspectNALs(info *models.FrameInfo, nals [][]byte) {
	if len(nals) == 0 {
		return
	}
	info.NALType = NALType(nals[0])

	onlyParams := true
	for _, nal := range nals {
		switch NALType(nal) {
		case NALUnitTypeIDR:
			info.IsKeyFrame = true
			onlyParams = false
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeAUD, NALUnitTypeSEI:
		default:
			onlyParams = false
		}
	}
	info.IsConfig = onlyParams
}

// Normalizer rewrites FLV AVC tags into Annex-B access units, prepending the
// most recent SPS/PPS to key frames. Other formats pass through unchanged.
type Normalizer struct {
	mu         sync.RWMutex
	sps        [][]byte
	pps        [][]byte
	naluLength int
	log        *logrus.Entry
}

// NewNormalizer creates a normalizer with no codec configuration yet
func NewNormalizer() *Normalizer {
	return &Normalizer{
		naluLength: 4,
		log:        logrus.WithField("component", "muxer"),
	}
}

// Normalize returns the Annex-B form of data. Sequence headers update the
// stored configuration and are returned as SPS/PPS Annex-B units.
func (n *Normalizer) Normalize(data []byte) ([]byte, error) {
	if IsAnnexBFormat(data) {
		return data, nil
	}

	tag, err := ParseFLVVideoTag(data)
	if err != nil {
		if IsAVCCFormat(data) {
			if annexB, err := ConvertAVCCToAnnexB(data, 4); err == nil {
				return annexB, nil
			}
		}
		// opaque or truncated payloads pass through
		return data, nil
	}

	switch tag.AVCPacketType {
	case AVCPacketTypeSequenceHeader:
		record, err := ParseAVCDecoderConfigurationRecord(tag.Data)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.sps = record.SPS
		n.pps = record.PPS
		n.naluLength = int(record.NALUnitLength)
		n.mu.Unlock()

		n.log.WithFields(logrus.Fields{
			"profile":    record.AVCProfileIndication,
			"level":      record.AVCLevelIndication,
			"naluLength": record.NALUnitLength,
			"sps":        len(record.SPS),
			"pps":        len(record.PPS),
		}).Debug("Stored AVC decoder configuration")
		return PrependSPSPPSAnnexB(nil, record.SPS, record.PPS), nil

	case AVCPacketTypeNALU:
		n.mu.RLock()
		sps, pps, naluLength := n.sps, n.pps, n.naluLength
		n.mu.RUnlock()

		annexB, err := ConvertAVCCToAnnexB(tag.Data, naluLength)
		if err != nil {
			return nil, err
		}
		if tag.IsKeyFrame() {
			if len(sps) == 0 || len(pps) == 0 {
				n.log.Debug("Key frame received before SPS/PPS")
				return annexB, nil
			}
			return PrependSPSPPSAnnexB(annexB, sps, pps), nil
		}
		return annexB, nil

	default:
		// end of sequence carries no media
		return nil, nil
	}
}

// HasConfig reports whether a sequence header has been seen
func (n *Normalizer) HasConfig() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sps) > 0 && len(n.pps) > 0
}
