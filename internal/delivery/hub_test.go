package delivery

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgestream/internal/metrics"
	"edgestream/pkg/models"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func testBatch(stream uint32) *models.PacketBatch {
	return &models.PacketBatch{
		Kind:     models.FrameKindVideo,
		StreamID: stream,
		Packets: []models.Packet{
			{StreamID: stream, SequenceNumber: 0, Priority: models.PriorityBidirectional, Payload: []byte("b")},
			{StreamID: stream, SequenceNumber: 1, Priority: models.PriorityKey, Payload: []byte("k")},
			{StreamID: stream, SequenceNumber: 2, Priority: models.PriorityPredictive, Payload: []byte("p")},
		},
		Repairs: []models.RepairSymbol{{StreamID: stream, GroupSize: 3, Payload: []byte("r")}},
	}
}

func readPackets(t *testing.T, c net.Conn, n int) []models.Packet {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	out := make([]models.Packet, 0, n)
	for i := 0; i < n; i++ {
		p, err := models.ReadPacket(c)
		require.NoError(t, err)
		out = append(out, *p)
	}
	return out
}

func TestHub_DeliversInPriorityOrder(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New(WithMetrics(m))
	defer h.Close()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, h.Subscribe(1, 7, server))
	assert.Equal(t, 1, h.Subscribers())

	h.Deliver(testBatch(7))

	packets := readPackets(t, client, 4)
	assert.Equal(t, []byte("k"), packets[0].Payload)
	assert.Equal(t, []byte("p"), packets[1].Payload)
	assert.Equal(t, []byte("b"), packets[2].Payload)
	assert.Equal(t, []byte("r"), packets[3].Payload)
	assert.Equal(t, uint8(0), packets[3].Priority)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PacketsDelivered) == 4
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_OnlySubscribedStreams(t *testing.T) {
	h := New()
	defer h.Close()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	require.NoError(t, h.Subscribe(1, 7, server))

	h.Deliver(testBatch(8))
	h.Deliver(testBatch(7))

	packets := readPackets(t, client, 4)
	for _, p := range packets {
		assert.Equal(t, uint32(7), p.StreamID)
	}
}

func TestHub_FullQueueDrops(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New(WithQueueCapacity(2), WithMetrics(m))
	defer h.Close()

	// nobody reads the pipe, so the writer blocks on the first packet
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()
	require.NoError(t, h.Subscribe(1, 7, server))

	h.Deliver(testBatch(7))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveryDropped))
}

type failingConn struct{}

func (failingConn) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (failingConn) SetWriteDeadline(time.Time) error { return nil }

func TestHub_WriteFailureUnsubscribes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New(WithMetrics(m))
	defer h.Close()

	require.NoError(t, h.Subscribe(1, 7, failingConn{}))
	h.Deliver(testBatch(7))

	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryErrors))
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	h := New()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, h.Subscribe(1, 7, server))
	require.NoError(t, h.Subscribe(2, 7, server))
	assert.True(t, h.Unsubscribe(1))
	assert.False(t, h.Unsubscribe(1))
	assert.Equal(t, 1, h.Subscribers())

	h.Close()
	assert.Zero(t, h.Subscribers())
	assert.ErrorIs(t, h.Subscribe(3, 7, server), ErrHubClosed)
}
