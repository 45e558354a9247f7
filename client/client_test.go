package client

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CiaranWoodward/commbridge/errors"
	"github.com/CiaranWoodward/commbridge/msg"
	"github.com/CiaranWoodward/commbridge/protocol"
)

// fakeServer answers the handshake on ser, and returns the name the client introduced itself with
func fakeServer(t *testing.T, ser net.Conn, reply msg.Message) string {
	if !assert.NoError(t, protocol.ReadVersion(ser)) {
		return ""
	}
	pkt := protocol.NewPacket()
	hello, err := protocol.ReceiveMessages(ser, pkt)
	if !assert.NoError(t, err) || !assert.Len(t, hello, 1) {
		return ""
	}
	assert.Equal(t, msg.Data, hello[0].Type)
	assert.NoError(t, protocol.WritePacket(ser, pkt, []msg.Message{reply}))
	return hello[0].StringValue
}

// lockedBuffer collects log output written from the client goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func welcome(community string) msg.Message {
	w := msg.NewString(msg.Welcome, "", community, 0)
	w.DoubleValue = msg.Now() + 2
	w.Source = "testhost"
	return w
}

// connect returns a client joined to a fake server, and the server side of the pipe
func connect(t *testing.T, opts ...Option) (*Client, net.Conn) {
	cli, ser := net.Pipe()
	name_chan := make(chan string, 1)
	go func() {
		name_chan <- fakeServer(t, ser, welcome("alpha"))
	}()
	c, err := NewClient(cli, opts...)
	require.NoError(t, err)
	<-name_chan
	return c, ser
}

// collect reads packets from ser until n messages have arrived
func collect(t *testing.T, ser net.Conn, n int) []msg.Message {
	pkt := protocol.NewPacket()
	var got []msg.Message
	for len(got) < n {
		mesgs, err := protocol.ReceiveMessages(ser, pkt)
		require.NoError(t, err)
		got = append(got, mesgs...)
	}
	return got
}

func TestClientHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	cli, ser := net.Pipe()
	name_chan := make(chan string, 1)
	go func() {
		name_chan <- fakeServer(t, ser, welcome("alpha"))
	}()

	c, err := NewClient(cli, WithName("pNav"))
	require.NoError(t, err)
	assert.Equal(t, "pNav", <-name_chan)
	assert.Equal(t, "pNav", c.Name())
	assert.Equal(t, "alpha", c.Community())
	assert.True(t, c.IsConnected())
	assert.InDelta(t, 2.0, c.ClockSkew(), 0.5)

	ser.Close()
	assert.NoError(t, c.Close())
	assert.False(t, c.IsConnected())
}

func TestClientGeneratesName(t *testing.T) {
	c, ser := connect(t)
	defer c.Close()
	defer ser.Close()
	assert.True(t, strings.HasPrefix(c.Name(), "proc-"))
}

func TestClientPoisonedAtHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	cli, ser := net.Pipe()
	defer ser.Close()
	go fakeServer(t, ser, msg.NewString(msg.Poison, "", "name in use", 0))

	_, err := NewClient(cli, WithName("pNav"))
	assert.ErrorIs(t, err, errors.ErrPoisoned)
	assert.True(t, errors.IsFatal(err))
}

func TestClientPostsInOrder(t *testing.T) {
	c, ser := connect(t, WithName("pNav"))
	defer c.Close()
	defer ser.Close()

	require.NoError(t, c.Register("DEPTH", 0))
	require.NoError(t, c.Register("NAV_*", 0.5))
	require.NoError(t, c.Notify("DEPTH", 3.2, 100))
	require.NoError(t, c.NotifyString("MODE", "SURVEY", 0))
	require.NoError(t, c.NotifyBinary("IMG", []byte{1, 2}, 0))
	require.NoError(t, c.Unregister("/NAV_*"))
	require.NoError(t, c.Unregister("DEPTH"))

	got := collect(t, ser, 7)
	require.Len(t, got, 7)

	assert.Equal(t, msg.Register, got[0].Type)
	assert.Equal(t, "DEPTH", got[0].Key)
	assert.Equal(t, msg.WildcardRegister, got[1].Type)
	assert.Equal(t, "NAV_*", got[1].Key)
	assert.Equal(t, 0.5, got[1].DoubleValue)
	assert.Equal(t, msg.Notify, got[2].Type)
	assert.Equal(t, 3.2, got[2].DoubleValue)
	assert.Equal(t, 100.0, got[2].Time)
	assert.Equal(t, "SURVEY", got[3].StringValue)
	assert.Equal(t, msg.Binary, got[4].DataType)
	assert.Equal(t, msg.WildcardUnregister, got[5].Type)
	assert.Equal(t, "NAV_*", got[5].Key)
	assert.Equal(t, msg.Unregister, got[6].Type)
}

func TestClientFetchBatches(t *testing.T) {
	c, ser := connect(t, WithName("pHelm"))
	defer c.Close()
	defer ser.Close()

	now := msg.Now()
	mail := []msg.Message{
		msg.NewDouble(msg.Notify, "A", 1, now),
		msg.NewDouble(msg.Notify, "B", 2, now),
		msg.NewString(msg.Notify, "C", "three", now),
	}
	require.NoError(t, protocol.WritePacket(ser, protocol.NewPacket(), mail))

	var got []msg.Message
	assert.Eventually(t, func() bool {
		got = append(got, c.Fetch()...)
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	for i := range mail {
		assert.True(t, mail[i].Equal(got[i]))
	}
	assert.Empty(t, c.Fetch())
}

func TestClientMailHandlerAndSkewFilter(t *testing.T) {
	var mu sync.Mutex
	var batches [][]msg.Message
	handler := func(m []msg.Message) {
		mu.Lock()
		batches = append(batches, m)
		mu.Unlock()
	}
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	c, ser := connect(t, WithMailHandler(handler), WithSkewFilter(5), WithLogger(logger))
	defer c.Close()
	defer ser.Close()

	now := msg.Now()
	mail := []msg.Message{
		msg.NewDouble(msg.Notify, "FRESH", 1, now),
		msg.NewDouble(msg.Notify, "STALE", 2, now-60),
		msg.NewDouble(msg.Notify, "FUTURE", 3, now+60),
	}
	require.NoError(t, protocol.WritePacket(ser, protocol.NewPacket(), mail))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches[0], 1)
	assert.Equal(t, "FRESH", batches[0][0].Key)
	assert.Empty(t, c.Fetch())

	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, errors.ErrSkewedMessage.Error()))
	assert.Contains(t, out, "key=STALE")
	assert.Contains(t, out, "key=FUTURE")
}

func TestClientClientsRequest(t *testing.T) {
	c, ser := connect(t)
	defer c.Close()
	defer ser.Close()

	go func() {
		req := collect(t, ser, 1)
		assert.Equal(t, msg.ServerRequest, req[0].Type)
		assert.Equal(t, msg.ServerRequestId, req[0].Id)
		reply := msg.NewString(msg.Data, req[0].Key, "pNav,pHelm", 0)
		reply.Id = msg.ServerRequestId
		assert.NoError(t, protocol.WritePacket(ser, protocol.NewPacket(), []msg.Message{reply}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	names, err := c.Clients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pNav", "pHelm"}, names)
}

func TestClientPostFailures(t *testing.T) {
	c, ser := connect(t, WithOutboxSize(1))

	huge := msg.NewString(msg.Notify, "HUGE", strings.Repeat("x", protocol.MaxPacketSize), 0)
	assert.ErrorIs(t, c.Post(huge), errors.ErrEncodeOutOfSpace)

	// Nobody reads the server side, so the writer stalls and the outbox fills
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = c.Notify("X", float64(i), 0)
	}
	assert.ErrorIs(t, err, errors.ErrOutboxFull)
	assert.True(t, errors.IsTransient(err))

	ser.Close()
	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, c.Notify("X", 1, 0), errors.ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClientDisconnectsOnPoison(t *testing.T) {
	c, ser := connect(t)
	defer ser.Close()
	defer c.Close()

	poison := msg.NewString(msg.Poison, "", "server shutting down", 0)
	require.NoError(t, protocol.WritePacket(ser, protocol.NewPacket(), []msg.Message{poison}))
	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 5*time.Millisecond)
}

// untilGoodbye reads packets from ser until the client says goodbye, returning the mail before it
func untilGoodbye(ser net.Conn) ([]msg.Message, error) {
	pkt := protocol.NewPacket()
	var got []msg.Message
	for {
		mesgs, err := protocol.ReceiveMessages(ser, pkt)
		if err != nil {
			return got, err
		}
		for _, m := range mesgs {
			if m.Type == msg.TerminateConnection {
				return got, nil
			}
			got = append(got, m)
		}
	}
}

func TestClientCloseFlushesOutbox(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n_messages = 50
	for trial := 0; trial < 20; trial++ {
		c, ser := connect(t)

		type result struct {
			got []msg.Message
			err error
		}
		res_chan := make(chan result, 1)
		go func() {
			got, err := untilGoodbye(ser)
			res_chan <- result{got, err}
		}()

		for i := 0; i < n_messages; i++ {
			require.NoError(t, c.Notify("SEQ", float64(i), 0))
		}
		require.NoError(t, c.Close())

		res := <-res_chan
		ser.Close()
		require.NoError(t, res.err, "trial %d", trial)
		require.Len(t, res.got, n_messages, "trial %d", trial)
		for i, m := range res.got {
			assert.Equal(t, float64(i), m.DoubleValue)
		}
	}
}
