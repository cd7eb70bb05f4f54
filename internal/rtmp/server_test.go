package rtmp

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"edgestream/internal/conn"
)

type recordingSink struct {
	mu     sync.Mutex
	video  [][]byte
	audio  [][]byte
	reject bool
}

func (s *recordingSink) ProcessVideoFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return errors.New("backpressure")
	}
	s.video = append(s.video, frame)
	return nil
}

func (s *recordingSink) ProcessAudioFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return errors.New("backpressure")
	}
	s.audio = append(s.audio, frame)
	return nil
}

func newHandler(t *testing.T, sink FrameSink) (*ConnHandler, *conn.Table) {
	t.Helper()
	table := conn.NewTable()
	s := New(":0", sink, table)

	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	_, cfg := s.onConnect(server)
	h, ok := cfg.Handler.(*ConnHandler)
	require.True(t, ok)
	return h, table
}

func TestParseStreamKey(t *testing.T) {
	assert.Equal(t, "live", parseStreamKey("live"))
	assert.Equal(t, "live", parseStreamKey("live?token=abc"))
	assert.Equal(t, "", parseStreamKey("?token=abc"))
}

func TestConnectionRegisteredAsRTMP(t *testing.T) {
	h, table := newHandler(t, &recordingSink{})

	require.Equal(t, 1, table.Len())
	snap := table.Snapshot()
	assert.Equal(t, conn.TransportRTMP, snap[0].Transport)
	assert.Equal(t, h.conn.Descriptor(), snap[0].Descriptor)
}

func TestMediaBeforePublishIgnored(t *testing.T) {
	sink := &recordingSink{}
	h, _ := newHandler(t, sink)

	require.NoError(t, h.OnVideo(0, bytes.NewReader([]byte{0x17, 0x01})))
	require.NoError(t, h.OnAudio(0, bytes.NewReader([]byte{0xaf, 0x01})))
	assert.Empty(t, sink.video)
	assert.Empty(t, sink.audio)
}

func TestPublishedMediaReachesSink(t *testing.T) {
	sink := &recordingSink{}
	h, table := newHandler(t, sink)

	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "cam1?token=x", PublishingType: "live"}))
	assert.Equal(t, "cam1", h.StreamKey())

	video := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x65}
	require.NoError(t, h.OnVideo(40, bytes.NewReader(video)))
	require.NoError(t, h.OnAudio(40, bytes.NewReader([]byte{0xaf, 0x01, 0x21})))
	require.NoError(t, h.OnVideo(80, bytes.NewReader(nil)))

	require.Len(t, sink.video, 1)
	assert.Equal(t, video, sink.video[0])
	require.Len(t, sink.audio, 1)

	info := table.Snapshot()[0]
	assert.Equal(t, uint64(len(video)+3), info.BytesRead)
}

func TestRejectedFrameKeepsConnection(t *testing.T) {
	sink := &recordingSink{reject: true}
	h, table := newHandler(t, sink)

	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "cam1"}))
	assert.NoError(t, h.OnVideo(0, bytes.NewReader([]byte{0x27, 0x01})))
	assert.Equal(t, 1, table.Len())
}

func TestEmptyPublishingNameRejected(t *testing.T) {
	h, _ := newHandler(t, &recordingSink{})
	assert.Error(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "?token=x"}))
}

func TestOnCloseDeregisters(t *testing.T) {
	h, table := newHandler(t, nil)

	require.NoError(t, h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: "cam1"}))
	// nil sink drops media without failing
	require.NoError(t, h.OnVideo(0, bytes.NewReader([]byte{0x17})))

	h.OnClose()
	assert.Equal(t, 0, table.Len())
	assert.False(t, h.conn.Active())

	// second close is harmless
	h.OnClose()
}
