package muxer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x64, 0x00, 0x1f, 0xac}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04}
)

func avcc(nals ...[]byte) []byte {
	var out []byte
	for _, n := range nals {
		l := len(n)
		out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		out = append(out, n...)
	}
	return out
}

func configRecord() []byte {
	rec := []byte{0x01, 0x64, 0x00, 0x1f, 0xff, 0xe1}
	rec = append(rec, 0x00, byte(len(testSPS)))
	rec = append(rec, testSPS...)
	rec = append(rec, 0x01, 0x00, byte(len(testPPS)))
	rec = append(rec, testPPS...)
	return rec
}

func flvTag(frameType, packetType byte, body []byte) []byte {
	return append([]byte{frameType<<4 | FLVCodecAVC, packetType, 0, 0, 0}, body...)
}

func TestParseAVCDecoderConfigurationRecord(t *testing.T) {
	rec, err := ParseAVCDecoderConfigurationRecord(configRecord())
	require.NoError(t, err)
	assert.Equal(t, uint8(4), rec.NALUnitLength)
	assert.Equal(t, uint8(0x64), rec.AVCProfileIndication)
	require.Len(t, rec.SPS, 1)
	require.Len(t, rec.PPS, 1)
	assert.Equal(t, testSPS, rec.SPS[0])
	assert.Equal(t, testPPS, rec.PPS[0])

	_, err = ParseAVCDecoderConfigurationRecord(configRecord()[:8])
	assert.Error(t, err)
}

func TestParseFLVVideoTag(t *testing.T) {
	tag, err := ParseFLVVideoTag(flvTag(FLVFrameTypeKey, AVCPacketTypeNALU, avcc(testIDR)))
	require.NoError(t, err)
	assert.True(t, tag.IsKeyFrame())
	assert.False(t, tag.IsSequenceHeader())

	_, err = ParseFLVVideoTag([]byte{0x12, 0x01, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNotAVC)

	_, err = ParseFLVVideoTag([]byte{0x17})
	assert.ErrorIs(t, err, ErrShortTag)
}

func TestNegativeCompositionTime(t *testing.T) {
	tag, err := ParseFLVVideoTag([]byte{0x27, 0x01, 0xff, 0xff, 0xfe, 0x00})
	require.NoError(t, err)
	assert.Equal(t, int32(-2), tag.CompositionTime)
}

func TestConvertAVCCToAnnexB(t *testing.T) {
	out, err := ConvertAVCCToAnnexB(avcc(testIDR, testP), 4)
	require.NoError(t, err)

	want := append(append([]byte{}, StartCode4...), testIDR...)
	want = append(want, StartCode3...)
	want = append(want, testP...)
	assert.Equal(t, want, out)

	_, err = ConvertAVCCToAnnexB([]byte{0, 0, 0, 9, 0x65}, 4)
	assert.Error(t, err)

	_, err = ConvertAVCCToAnnexB(nil, 4)
	assert.ErrorIs(t, err, ErrNoNALUnits)
}

func TestSplitAnnexB(t *testing.T) {
	data := PrependSPSPPSAnnexB(append(append([]byte{}, StartCode3...), testIDR...), [][]byte{testSPS}, [][]byte{testPPS})
	nals := SplitAnnexB(data)
	require.Len(t, nals, 3)
	assert.Equal(t, testSPS, nals[0])
	assert.Equal(t, testPPS, nals[1])
	assert.Equal(t, testIDR, nals[2])

	sps, pps, err := ExtractSPSandPPS(data)
	require.NoError(t, err)
	assert.Equal(t, testSPS, sps)
	assert.Equal(t, testPPS, pps)
}

func TestInspect(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		format string
		key    bool
		config bool
	}{
		{"flv key frame", flvTag(FLVFrameTypeKey, AVCPacketTypeNALU, avcc(testIDR)), FormatFLV, true, false},
		{"flv inter frame", flvTag(FLVFrameTypeInter, AVCPacketTypeNALU, avcc(testP)), FormatFLV, false, false},
		{"flv sequence header", flvTag(FLVFrameTypeKey, AVCPacketTypeSequenceHeader, configRecord()), FormatFLV, false, true},
		{"annexb idr", append(append([]byte{}, StartCode4...), testIDR...), FormatAnnexB, true, false},
		{"annexb params", PrependSPSPPSAnnexB(nil, [][]byte{testSPS}, [][]byte{testPPS}), FormatAnnexB, false, true},
		{"avcc inter", avcc(testP), FormatAVCC, false, false},
		{"raw", []byte("not a video frame"), FormatRaw, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Inspect(tt.data)
			assert.Equal(t, tt.format, info.Format)
			assert.Equal(t, tt.key, info.IsKeyFrame)
			assert.Equal(t, tt.config, info.IsConfig)
			assert.Equal(t, len(tt.data), info.Size)
		})
	}
}

func TestNormalizer(t *testing.T) {
	n := NewNormalizer()

	// key frame before configuration passes through as Annex-B
	out, err := n.Normalize(flvTag(FLVFrameTypeKey, AVCPacketTypeNALU, avcc(testIDR)))
	require.NoError(t, err)
	assert.Len(t, SplitAnnexB(out), 1)

	out, err = n.Normalize(flvTag(FLVFrameTypeKey, AVCPacketTypeSequenceHeader, configRecord()))
	require.NoError(t, err)
	assert.True(t, n.HasConfig())
	assert.True(t, Inspect(out).IsConfig)

	out, err = n.Normalize(flvTag(FLVFrameTypeKey, AVCPacketTypeNALU, avcc(testIDR)))
	require.NoError(t, err)
	nals := SplitAnnexB(out)
	require.Len(t, nals, 3)
	assert.Equal(t, uint8(NALUnitTypeSPS), NALType(nals[0]))
	assert.Equal(t, uint8(NALUnitTypeIDR), NALType(nals[2]))

	out, err = n.Normalize(flvTag(FLVFrameTypeInter, AVCPacketTypeNALU, avcc(testP)))
	require.NoError(t, err)
	assert.Len(t, SplitAnnexB(out), 1)

	raw := []byte("opaque")
	out, err = n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestNormalizerPassesTruncatedAVCC(t *testing.T) {
	n := NewNormalizer()

	// a valid first NAL followed by a length prefix past the end
	data := make([]byte, 64)
	copy(data, []byte{0, 0, 0, 8, 0x41})
	copy(data[12:], []byte{0xFF, 0xFF, 0xFF, 0xFF})

	out, err := n.Normalize(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
