package datagram

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/metric"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

func newReceiver(t *testing.T, inboxSize int) *Channel {
	rx, err := New(Config{ListenAddr: "127.0.0.1:0", InboxSize: inboxSize, Metrics: metric.NewRegistry()})
	require.NoError(t, err)
	return rx
}

func receiveN(t *testing.T, rx *Channel, n int) []msg.Message {
	var got []msg.Message
	assert.Eventually(t, func() bool {
		got = append(got, rx.ReceivePending()...)
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestSendAndReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	rx := newReceiver(t, 0)
	tx, err := Listen(0, nil, nil)
	require.NoError(t, err)
	assert.True(t, rx.Listening())
	assert.False(t, tx.Listening())

	port := rx.LocalAddr().Port
	sent := msg.NewDouble(msg.Notify, "PING", 4.5, 1000)
	sent.Source = "pBridge"
	sent.OriginatingCommunity = "alpha"
	require.NoError(t, tx.SendTo(sent, "127.0.0.1", port))

	got := receiveN(t, rx, 1)
	require.Len(t, got, 1)
	assert.True(t, sent.Equal(got[0]))
	assert.Empty(t, rx.ReceivePending())
	assert.Equal(t, 1.0, testutil.ToFloat64(rx.metrics.receivedTotal))

	require.NoError(t, tx.Close())
	require.NoError(t, rx.Close())
}

func TestMultiMessageDatagram(t *testing.T) {
	defer goleak.VerifyNone(t)

	rx := newReceiver(t, 0)
	defer rx.Close()

	mesgs := []msg.Message{
		msg.NewDouble(msg.Notify, "A", 1, 0),
		msg.NewString(msg.Notify, "B", "two", 0),
	}
	pkt := protocol.NewPacket()
	require.NoError(t, pkt.Serialize(mesgs))

	con, err := net.DialUDP("udp4", nil, rx.LocalAddr())
	require.NoError(t, err)
	defer con.Close()
	_, err = con.Write(pkt.Bytes())
	require.NoError(t, err)

	got := receiveN(t, rx, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Key)
	assert.Equal(t, "two", got[1].StringValue)
}

func TestMalformedDatagramDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	rx := newReceiver(t, 0)
	defer rx.Close()

	con, err := net.DialUDP("udp4", nil, rx.LocalAddr())
	require.NoError(t, err)
	defer con.Close()

	// Declares 100 bytes but carries 12
	bad := []byte{100, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0}
	_, err = con.Write(bad)
	require.NoError(t, err)

	good := protocol.NewPacket()
	require.NoError(t, good.Serialize([]msg.Message{msg.NewDouble(msg.Notify, "OK", 1, 0)}))
	_, err = con.Write(good.Bytes())
	require.NoError(t, err)

	got := receiveN(t, rx, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "OK", got[0].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(rx.metrics.drops.WithLabelValues("malformed")))
}

func TestInboxDropsOldest(t *testing.T) {
	defer goleak.VerifyNone(t)

	rx := newReceiver(t, 2)
	defer rx.Close()
	tx, err := Listen(0, nil, nil)
	require.NoError(t, err)
	defer tx.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, tx.SendTo(msg.NewDouble(msg.Notify, fmt.Sprintf("K%d", i), float64(i), 0), "127.0.0.1", rx.LocalAddr().Port))
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(rx.metrics.receivedTotal) == 3
	}, 2*time.Second, 5*time.Millisecond)

	got := rx.ReceivePending()
	require.Len(t, got, 2)
	assert.Equal(t, "K1", got[0].Key)
	assert.Equal(t, "K2", got[1].Key)
}

func TestOversizeSendFails(t *testing.T) {
	tx, err := Listen(0, nil, nil)
	require.NoError(t, err)
	defer tx.Close()

	huge := msg.NewString(msg.Notify, "HUGE", strings.Repeat("x", MaxDatagramSize), 0)
	err = tx.SendTo(huge, "127.0.0.1", 9)
	assert.ErrorIs(t, err, errors.ErrEncodeOutOfSpace)
}

func TestAddrCacheResolvesOnce(t *testing.T) {
	var lookups atomic.Int32
	cache := NewAddrCache()
	cache.resolve = func(network, address string) (*net.UDPAddr, error) {
		lookups.Add(1)
		return net.ResolveUDPAddr(network, address)
	}

	a1, err := cache.Resolve("127.0.0.1", 9000)
	require.NoError(t, err)
	a2, err := cache.Resolve("127.0.0.1", 9000)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, int32(1), lookups.Load())

	b, err := cache.Resolve("255.255.255.255", 9001)
	require.NoError(t, err)
	assert.Equal(t, 9001, b.Port)
	assert.Equal(t, 2, cache.Len())
}

func TestAddrCacheSkipsFailures(t *testing.T) {
	cache := NewAddrCache()
	cache.resolve = func(network, address string) (*net.UDPAddr, error) {
		return nil, fmt.Errorf("no such host")
	}

	_, err := cache.Resolve("nowhere.invalid", 1)
	assert.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, cache.Len())
}

func TestReopenReregistersMetrics(t *testing.T) {
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	reg := metric.NewRegistry()

	first, err := New(Config{ListenAddr: "127.0.0.1:0", Logger: logger, Metrics: reg})
	require.NoError(t, err)
	addr := first.LocalAddr().String()
	require.NoError(t, first.Close())
	assert.Zero(t, reg.UnregisterService("datagram_"+addr))

	second, err := New(Config{ListenAddr: addr, Logger: logger, Metrics: reg})
	require.NoError(t, err)
	defer second.Close()
	assert.NotContains(t, logs.String(), "Metric not exported")
	assert.Equal(t, 3, reg.UnregisterService("datagram_"+addr))
}
